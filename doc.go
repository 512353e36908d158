// Package uploadq provides a high-level upload queue manager for moving many
// files to local or cloud storage backends. It schedules transfers through a
// bounded worker pool, detects destination-name collisions before any byte
// lands, accounts per-item throughput, and persists resume checkpoints so
// interrupted transfers continue from their last acknowledged offset.
//
// Key features:
//   - Bounded concurrency with runtime-adjustable worker slots
//   - Multiple backends: local chunked endpoint and presigned-URL PUT for
//     S3/OSS/COS-style object stores
//   - Conflict resolution with overwrite, rename, and a global overwrite policy
//   - Instant and lifetime-average speed figures per item
//   - Resume-after-restart through fingerprinted session records
//   - A small command vocabulary for UI bridges and test harnesses
//
// Example usage:
//
//	tr := transport.NewLocal("http://localhost:8080")
//	store, err := uploadq.NewFileSessionStore("sessions.json")
//	if err != nil {
//	    return err
//	}
//
//	q, err := uploadq.New(
//	    uploadq.WithTransport(tr),
//	    uploadq.WithSessionStore(store),
//	    uploadq.WithConcurrency(4),
//	)
//	if err != nil {
//	    return err
//	}
//	defer q.Close()
//
//	items, err := q.Enqueue(uploadtypes.Source{
//	    Name:            "report.pdf",
//	    DestinationPath: "/docs",
//	    Size:            fileSize,
//	    Open:            openFile,
//	})
package uploadq
