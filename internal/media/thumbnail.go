package media

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/halogate/halogate/internal/store"
)

// Thumbnail renders a JPEG thumbnail of a stored image, fitting it inside
// maxDim x maxDim while keeping aspect ratio, and stores the result as its
// own content-addressed object sharing the source's TTL window.
func (s *Store) Thumbnail(hash string, maxDim int) (store.MediaRecord, error) {
	rec, ok := s.Get(hash)
	if !ok {
		return store.MediaRecord{}, fmt.Errorf("media: %s not found or expired", hash)
	}
	if !strings.HasPrefix(rec.ContentType, "image/") {
		return store.MediaRecord{}, fmt.Errorf("media: %s is %s, not an image", hash, rec.ContentType)
	}
	if maxDim <= 0 {
		maxDim = 512
	}

	img, err := imaging.Open(s.blobPath(hash))
	if err != nil {
		return store.MediaRecord{}, fmt.Errorf("media: decode %s: %w", hash, err)
	}

	thumb := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return store.MediaRecord{}, fmt.Errorf("media: encode thumbnail: %w", err)
	}

	return s.Put(buf.Bytes(), "image/jpeg", "", rec.ExpiresAt.Sub(rec.CreatedAt))
}
