package neo4j

import "fmt"

// Graph model written by the indexer:
//
//	(:Entity {id, name, type, summary, embedding})
//	(:Chunk {id, document_id, text, file_name, page, heading, chunk_index,
//	         department, document_type, is_latest, effective_date})
//	(:Chunk)-[:MENTIONS]->(:Entity)
//	(:Entity)-[:<RELATION> {weight}]->(:Entity)

const seedByNameCypher = `
MATCH (e:Entity)
WHERE size(e.name) >= $minNameLength
  AND toLower($text) CONTAINS toLower(e.name)
  AND (size($nodeTypes) = 0 OR e.type IN $nodeTypes)
RETURN e.id AS id
ORDER BY size(e.name) DESC
LIMIT $limit`

const seedByVectorCypher = `
CALL db.index.vector.queryNodes($index, $limit, $vector) YIELD node, score
WHERE score >= $minScore
  AND (size($nodeTypes) = 0 OR node.type IN $nodeTypes)
RETURN node.id AS id`

// Variable-length bounds cannot be parameters, so depth is formatted in after clamping.
const expandCypherTemplate = `
MATCH (s:Entity) WHERE s.id IN $seeds
MATCH p = (s)-[*0..%d]-(e:Entity)
WHERE size($nodeTypes) = 0 OR e.type IN $nodeTypes
WITH e, min(length(p)) AS hops
ORDER BY hops ASC, e.id ASC
LIMIT $entityLimit
OPTIONAL MATCH (c:Chunk)-[:MENTIONS]->(e)
WITH e, hops, c
ORDER BY c.id
RETURN e AS entity, hops, collect(c)[0..$chunksPerEntity] AS chunks`

const edgesCypher = `
MATCH (a:Entity)-[r]->(b:Entity)
WHERE a.id IN $ids AND b.id IN $ids
RETURN elementId(r) AS id, a.id AS source, b.id AS target, type(r) AS type, coalesce(r.weight, 1.0) AS weight`

func expandCypher(depth int) string {
	return fmt.Sprintf(expandCypherTemplate, depth)
}
