// Package storage persists accounts and usage history.
package storage

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "file", "Storage provider to use (available: file, firestore)")

	var p struct{ Database }

	f := configuredFile()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "file":
			if err := f.Validate(); err != nil {
				panic(fmt.Sprintf("file storage validation failed: %v", err))
			}
			if err := f.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("file storage init failed: %v", err))
			}
			p.Database = f
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Database = fs
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
