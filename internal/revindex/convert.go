package revindex

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/mastiff/internal/storage"
)

// convertBatchOps bounds the number of writes held in memory while copying
const convertBatchOps = 10000

// Convert copies every keyspace of src into a new index of the given kind at
// dstPath. The copy opens as an identical index.
func Convert(ctx context.Context, src *RevIndex, dstPath string, kind storage.Kind) error {
	dst, err := storage.Open(kind, dstPath, storage.ModeCreate)
	if err != nil {
		return err
	}
	defer dst.Close()
	return copySpaces(ctx, src.backend, dst, src.logger.With("dst", dstPath))
}

func copySpaces(ctx context.Context, src, dst storage.Backend, logger *slog.Logger) error {
	for _, space := range storage.Spaces {
		batch := storage.NewBatch()
		copied := 0
		err := src.Scan(space, nil, func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch.Put(space, bytes.Clone(k), bytes.Clone(v))
			copied++
			if batch.Len() >= convertBatchOps {
				if err := dst.Write(batch); err != nil {
					return err
				}
				batch = storage.NewBatch()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("copy %s: %w", space, err)
		}
		if err := dst.Write(batch); err != nil {
			return fmt.Errorf("copy %s: %w", space, err)
		}
		logger.Info("copied keyspace", "space", space, "keys", copied)
	}
	return nil
}
