// Package conflict detects destination-name collisions and computes
// non-colliding replacement names.
package conflict

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	ttlworker "github.com/FloatTech/ttl"

	"github.com/skydrive/uploadq/errors"
	"github.com/skydrive/uploadq/uploadtypes"
)

// cacheTTL bounds how long a listing answer is reused. Short on purpose: the
// destination can change underneath us between transfers.
const cacheTTL = 5 * time.Second

type existsEntry struct {
	exists bool
}

// Resolver answers "does this name already exist at the destination" against
// a Lister, with a short-lived cache so a burst of enqueued files does not
// hammer the listing service with identical lookups.
type Resolver struct {
	lister uploadtypes.Lister
	cache  *ttlworker.Cache[string, *existsEntry]
}

// NewResolver creates a resolver over the given destination-listing service.
func NewResolver(lister uploadtypes.Lister) *Resolver {
	return &Resolver{
		lister: lister,
		cache:  ttlworker.NewCache[string, *existsEntry](cacheTTL),
	}
}

// Check reports whether an entry with the given name exists at the destination.
// A nil lister means collisions cannot be observed and everything is clear.
func (r *Resolver) Check(ctx context.Context, destinationPath, name string) (bool, error) {
	if r.lister == nil {
		return false, nil
	}

	key := destinationPath + "\x00" + name
	if entry := r.cache.Get(key); entry != nil {
		return entry.exists, nil
	}

	exists, err := r.lister.Exists(ctx, destinationPath, name)
	if err != nil {
		return false, errors.NewError("conflictCheck", err).WithDest(destinationPath)
	}
	r.cache.Set(key, &existsEntry{exists: exists})
	return exists, nil
}

// NextAvailableName returns the first name at the destination that does not
// collide, trying base-2.ext, base-3.ext, ... (report.pdf -> report-2.pdf).
func (r *Resolver) NextAvailableName(ctx context.Context, destinationPath, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base = name
		ext = ""
	}

	for n := 2; ; n++ {
		try := fmt.Sprintf("%s-%d%s", base, n, ext)
		exists, err := r.Check(ctx, destinationPath, try)
		if err != nil {
			return "", err
		}
		if !exists {
			// The chosen name is about to be taken; keep later lookups honest.
			r.cache.Set(destinationPath+"\x00"+try, &existsEntry{exists: true})
			return try, nil
		}
	}
}

// Invalidate drops the cached answer for one destination entry, e.g. after an
// upload lands and the name is no longer free.
func (r *Resolver) Invalidate(destinationPath, name string) {
	r.cache.Delete(destinationPath + "\x00" + name)
}
