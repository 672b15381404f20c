// Package services provides local implementations of the external service
// interfaces the stage handlers consume: object storage, parsing, embedding,
// analysis, and metric extraction.
//
// These run the pipeline end to end on a single machine with no network
// dependencies. Deployments backed by hosted parsers or embedding APIs
// substitute their own clients; the handlers only see the interfaces in
// package stages.
package services
