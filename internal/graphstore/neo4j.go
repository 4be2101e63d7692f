package graphstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/signal305/rag-service/internal/scope"
)

// Neo4j implements GraphStore on a Neo4j database. Chunk nodes carry the
// scope coordinate so every read applies the visibility rule.
type Neo4j struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4j connects to Neo4j over bolt.
func NewNeo4j(ctx context.Context, uri, user, password, database string) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to reach neo4j: %w", err)
	}
	return &Neo4j{driver: driver, database: database}, nil
}

// Enabled reports that a real backend is configured.
func (g *Neo4j) Enabled() bool { return true }

func (g *Neo4j) session(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: g.database})
}

// EnsureConstraints creates uniqueness constraints when absent.
func (g *Neo4j) EnsureConstraints(ctx context.Context) error {
	session := g.session(ctx)
	defer session.Close(ctx)

	statements := []string{
		`CREATE CONSTRAINT chunk_uuid IF NOT EXISTS FOR (c:Chunk) REQUIRE c.uuid IS UNIQUE`,
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.entity_id IS UNIQUE`,
	}
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}
	return nil
}

// visiblePredicate is the scope-membership rule over Chunk nodes. The
// workspace and principal parameters are always bound, empty disables the
// corresponding branch.
const visiblePredicate = `(
	(c.tenant_id = $tenant_id AND c.scope = 'tenant')
	OR ($workspace_id <> '' AND c.tenant_id = $tenant_id AND c.scope = 'workspace' AND c.workspace_id = $workspace_id)
	OR ($workspace_id <> '' AND $principal_id <> '' AND c.tenant_id = $tenant_id AND c.scope = 'user' AND c.workspace_id = $workspace_id AND c.principal_id = $principal_id)
)`

func visParams(vis scope.Visibility) map[string]any {
	return map[string]any{
		"tenant_id":    vis.TenantID,
		"workspace_id": vis.WorkspaceID,
		"principal_id": vis.PrincipalID,
	}
}

// LinkChunkEntities merges chunks, entities and MENTIONS edges for one
// document in two UNWIND statements.
func (g *Neo4j) LinkChunkEntities(ctx context.Context, docID string, key scope.Key, links []ChunkEntities) error {
	if len(links) == 0 {
		return nil
	}

	chunkRows := make([]map[string]any, 0, len(links))
	entityRows := make([]map[string]any, 0)
	for _, link := range links {
		chunkRows = append(chunkRows, map[string]any{
			"uuid":     link.ChunkUUID,
			"chunk_id": link.ChunkID,
		})
		for _, ent := range link.Entities {
			entityRows = append(entityRows, map[string]any{
				"uuid":      link.ChunkUUID,
				"entity_id": ent.EntityID,
				"type":      ent.Type,
				"name":      ent.Name,
			})
		}
	}

	session := g.session(ctx)
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		UNWIND $rows AS row
		MERGE (c:Chunk {uuid: row.uuid})
		SET c.chunk_id = row.chunk_id,
			c.doc_id = $doc_id,
			c.tenant_id = $tenant_id,
			c.scope = $scope,
			c.workspace_id = $workspace_id,
			c.principal_id = $principal_id
	`, map[string]any{
		"rows":         chunkRows,
		"doc_id":       docID,
		"tenant_id":    key.TenantID,
		"scope":        string(key.Scope),
		"workspace_id": key.WorkspaceID,
		"principal_id": key.PrincipalID,
	})
	if err != nil {
		return fmt.Errorf("failed to merge chunks: %w", err)
	}

	if len(entityRows) == 0 {
		return nil
	}
	_, err = session.Run(ctx, `
		UNWIND $rows AS row
		MATCH (c:Chunk {uuid: row.uuid})
		MERGE (e:Entity {entity_id: row.entity_id})
		SET e.type = row.type, e.name = row.name, e.tenant_id = $tenant_id
		MERGE (c)-[:MENTIONS]->(e)
	`, map[string]any{
		"rows":      entityRows,
		"tenant_id": key.TenantID,
	})
	if err != nil {
		return fmt.Errorf("failed to merge entities: %w", err)
	}
	return nil
}

// ExpandBySharedEntities finds visible chunks that share entities with the
// seeds, ordered by overlap.
func (g *Neo4j) ExpandBySharedEntities(ctx context.Context, seedUUIDs []string, vis scope.Visibility, limit, entityLimit int) ([]Expansion, error) {
	if len(seedUUIDs) == 0 {
		return nil, nil
	}

	session := g.session(ctx)
	defer session.Close(ctx)

	params := visParams(vis)
	params["seeds"] = seedUUIDs
	params["limit"] = limit
	params["entity_limit"] = entityLimit

	result, err := session.Run(ctx, `
		MATCH (seed:Chunk)-[:MENTIONS]->(e:Entity)<-[:MENTIONS]-(c:Chunk)
		WHERE seed.uuid IN $seeds AND NOT c.uuid IN $seeds AND `+visiblePredicate+`
		WITH c, collect(DISTINCT e.name) AS shared, count(DISTINCT e) AS overlap
		ORDER BY overlap DESC
		LIMIT $limit
		MATCH (c)-[:MENTIONS]->(all:Entity)
		RETURN c.uuid AS uuid,
			shared[0..$entity_limit] AS shared,
			overlap,
			collect(DISTINCT all.name)[0..$entity_limit] AS entities
	`, params)
	if err != nil {
		return nil, fmt.Errorf("failed to expand: %w", err)
	}

	var expansions []Expansion
	for result.Next(ctx) {
		rec := result.Record()
		exp := Expansion{}
		if v, ok := rec.Get("uuid"); ok {
			exp.UUID, _ = v.(string)
		}
		if v, ok := rec.Get("shared"); ok {
			if names, ok := v.([]any); ok {
				for _, n := range names {
					if s, ok := n.(string); ok {
						exp.SharedEntities = append(exp.SharedEntities, s)
					}
				}
			}
		}
		if v, ok := rec.Get("entities"); ok {
			if names, ok := v.([]any); ok {
				for _, n := range names {
					if s, ok := n.(string); ok {
						exp.Entities = append(exp.Entities, s)
					}
				}
			}
		}
		if v, ok := rec.Get("overlap"); ok {
			if n, ok := v.(int64); ok {
				exp.SharedCount = int(n)
			}
		}
		expansions = append(expansions, exp)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read expansions: %w", err)
	}
	return expansions, nil
}

// TopEntities returns the most mentioned visible entities, optionally
// filtered by a case-insensitive name substring and an entity type.
func (g *Neo4j) TopEntities(ctx context.Context, vis scope.Visibility, q, entityType string, limit int) ([]Entity, error) {
	session := g.session(ctx)
	defer session.Close(ctx)

	params := visParams(vis)
	params["q"] = strings.ToLower(q)
	params["type"] = entityType
	params["limit"] = limit

	result, err := session.Run(ctx, `
		MATCH (c:Chunk)-[:MENTIONS]->(e:Entity)
		WHERE `+visiblePredicate+`
			AND ($q = '' OR toLower(e.name) CONTAINS $q)
			AND ($type = '' OR e.type = $type)
		RETURN e.entity_id AS entity_id, e.type AS type, e.name AS name,
			count(DISTINCT c) AS mentions
		ORDER BY mentions DESC
		LIMIT $limit
	`, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	return readEntities(ctx, result)
}

// ChunksForEntity returns visible chunks mentioning an entity.
func (g *Neo4j) ChunksForEntity(ctx context.Context, vis scope.Visibility, entityID string, limit int) ([]ChunkRef, error) {
	session := g.session(ctx)
	defer session.Close(ctx)

	params := visParams(vis)
	params["entity_id"] = entityID
	params["limit"] = limit

	result, err := session.Run(ctx, `
		MATCH (c:Chunk)-[:MENTIONS]->(e:Entity {entity_id: $entity_id})
		WHERE `+visiblePredicate+`
		RETURN c.uuid AS uuid, c.chunk_id AS chunk_id, c.doc_id AS doc_id
		LIMIT $limit
	`, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	var refs []ChunkRef
	for result.Next(ctx) {
		rec := result.Record()
		var ref ChunkRef
		if v, ok := rec.Get("uuid"); ok {
			ref.UUID, _ = v.(string)
		}
		if v, ok := rec.Get("chunk_id"); ok {
			ref.ChunkID, _ = v.(string)
		}
		if v, ok := rec.Get("doc_id"); ok {
			ref.DocID, _ = v.(string)
		}
		refs = append(refs, ref)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return refs, nil
}

// EntitiesForDocument returns entities mentioned by a document's visible
// chunks.
func (g *Neo4j) EntitiesForDocument(ctx context.Context, vis scope.Visibility, docID string, limit int) ([]Entity, error) {
	session := g.session(ctx)
	defer session.Close(ctx)

	params := visParams(vis)
	params["doc_id"] = docID
	params["limit"] = limit

	result, err := session.Run(ctx, `
		MATCH (c:Chunk {doc_id: $doc_id})-[:MENTIONS]->(e:Entity)
		WHERE `+visiblePredicate+`
		RETURN e.entity_id AS entity_id, e.type AS type, e.name AS name,
			count(DISTINCT c) AS mentions
		ORDER BY mentions DESC
		LIMIT $limit
	`, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list document entities: %w", err)
	}
	return readEntities(ctx, result)
}

func readEntities(ctx context.Context, result neo4j.ResultWithContext) ([]Entity, error) {
	var entities []Entity
	for result.Next(ctx) {
		rec := result.Record()
		var ent Entity
		if v, ok := rec.Get("entity_id"); ok {
			ent.EntityID, _ = v.(string)
		}
		if v, ok := rec.Get("type"); ok {
			ent.Type, _ = v.(string)
		}
		if v, ok := rec.Get("name"); ok {
			ent.Name, _ = v.(string)
		}
		if v, ok := rec.Get("mentions"); ok {
			if n, ok := v.(int64); ok {
				ent.MentionCount = int(n)
			}
		}
		entities = append(entities, ent)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}
	return entities, nil
}

// DeleteByDoc removes a document's chunks and then orphaned entities.
func (g *Neo4j) DeleteByDoc(ctx context.Context, docID string) error {
	return g.deleteChunks(ctx,
		`MATCH (c:Chunk {doc_id: $val}) DETACH DELETE c`, docID)
}

// DeleteByTenant removes a tenant's chunks and then orphaned entities.
func (g *Neo4j) DeleteByTenant(ctx context.Context, tenantID string) error {
	session := g.session(ctx)
	defer session.Close(ctx)
	if _, err := session.Run(ctx,
		`MATCH (c:Chunk {tenant_id: $val}) DETACH DELETE c`,
		map[string]any{"val": tenantID}); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := session.Run(ctx,
		`MATCH (e:Entity {tenant_id: $val}) WHERE NOT (e)<-[:MENTIONS]-() DELETE e`,
		map[string]any{"val": tenantID}); err != nil {
		return fmt.Errorf("failed to delete orphaned entities: %w", err)
	}
	return nil
}

func (g *Neo4j) deleteChunks(ctx context.Context, cypher, val string) error {
	session := g.session(ctx)
	defer session.Close(ctx)
	if _, err := session.Run(ctx, cypher, map[string]any{"val": val}); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := session.Run(ctx,
		`MATCH (e:Entity) WHERE NOT (e)<-[:MENTIONS]-() DELETE e`, nil); err != nil {
		return fmt.Errorf("failed to delete orphaned entities: %w", err)
	}
	return nil
}

// DeleteAll wipes the graph.
func (g *Neo4j) DeleteAll(ctx context.Context) error {
	session := g.session(ctx)
	defer session.Close(ctx)
	if _, err := session.Run(ctx, `MATCH (n) DETACH DELETE n`, nil); err != nil {
		return fmt.Errorf("failed to wipe graph: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (g *Neo4j) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close closes the driver.
func (g *Neo4j) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Ensure Neo4j implements the interface
var _ GraphStore = (*Neo4j)(nil)
