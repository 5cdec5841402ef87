// Package rag implements the retrieval-augmented-generation engine: document
// ingestion and chunking, vector storage and similarity search, token-budget
// context assembly, conversation sessions, and the query orchestrator that
// composes them.
package rag
