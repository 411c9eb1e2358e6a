// Package vecstore provides the vector store the registry uses for
// similarity search over tool and capability documents.
//
// The store holds pre-computed embeddings; it never calls an embedding
// model itself. The default implementation embeds chromem-go, a pure-Go
// in-process vector database, so the gateway needs no external service
// for semantic discovery. Persistence is optional and file-based.
package vecstore
