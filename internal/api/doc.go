// Package api serves the read-only consumer surface of the pipeline: the
// listing and detail of ready assets, ClearKey licenses, health and metrics.
//
// Handlers only ever expose assets in the ready state. Assets that are
// uploading, processing or failed are indistinguishable from missing ones,
// and key material is never rendered outside a license response.
package api
