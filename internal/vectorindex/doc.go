// Package vectorindex stores chunk embeddings for similarity search.
//
// Two implementations share the Index interface: SQLiteIndex keeps vectors
// in a local file next to the queue and scores them in Go, and Qdrant talks
// to a Qdrant server over REST.
//
// Point ids are UUIDv5 values derived from "item_id#chunk", so writing the
// same item twice replaces its points. Upsert also removes chunk points
// beyond the item's new chunk count.
package vectorindex
