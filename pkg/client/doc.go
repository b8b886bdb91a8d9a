// Package client is the Go SDK for the custody HTTP API.
//
// Reads need no credentials:
//
//	c, err := client.New("https://custody.example.org")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.Verify(ctx)
//	if err == nil && !res.Valid {
//	    log.Printf("ledger diverges at event %d: %s", res.Divergence.EventID, res.Divergence.Reason)
//	}
//
// Writes need an operator token issued with 'custody token':
//
//	c, err := client.New(base, client.WithBearerToken(os.Getenv("CUSTODY_TOKEN")))
//	ev, err := c.Ingest(ctx, client.Artifact{
//	    Name:        "disk.img",
//	    ContentHash: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
//	    Size:        4,
//	}, nil)
//	snap, err := c.BuildSnapshot(ctx, nil) // every ingested artifact
//	bundle, err := c.ExportBundle(ctx, snap.RootHash, ev.SubjectHash)
//
// Errors returned for non-2xx responses are *APIError values. They match
// ErrNotFound, ErrUnauthorized and ErrConflict with errors.Is.
package client
