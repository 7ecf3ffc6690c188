package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/levenlabs/go-lflag"
)

// provider is a Database that still needs connecting once flags are parsed.
type provider interface {
	Database
	Init(ctx context.Context) error
}

type validator interface {
	Validate() error
}

// Configured registers the flags for every backend and returns the one
// selected by -storage-provider. Backfill state, statistics and sealed
// credentials all live in the same backend.
func Configured() Database {
	providers := map[string]provider{
		"badger":    configuredBadger(),
		"firestore": configuredFirestore(),
	}
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	slices.Sort(names)

	name := lflag.String("storage-provider", "badger", "Storage backend ("+strings.Join(names, ", ")+")")

	var p struct{ Database }
	lflag.Do(func() {
		chosen, ok := providers[*name]
		if !ok {
			panic(fmt.Sprintf("unknown storage provider: %s", *name))
		}
		if v, ok := chosen.(validator); ok {
			if err := v.Validate(); err != nil {
				panic(fmt.Sprintf("%s validation failed: %v", *name, err))
			}
		}
		if err := chosen.Init(context.Background()); err != nil {
			panic(fmt.Sprintf("%s init failed: %v", *name, err))
		}
		p.Database = chosen
	})

	return &p
}
