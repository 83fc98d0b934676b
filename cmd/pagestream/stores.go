package main

import (
	"go.pagestream.dev/core/stores"
	"go.pagestream.dev/core/stores/azure"
	"go.pagestream.dev/core/stores/fs"
	"go.pagestream.dev/core/stores/gcs"
	"go.pagestream.dev/core/stores/s3"
)

// registerStores applies the Stores configuration, and registers
// constructors of every supported backup store scheme.
func registerStores() {
	fs.FileSystemStoreRoot = Config.Stores.FileRoot
	stores.DisableSignedUrls = Config.Stores.DisableSignedURLs

	stores.RegisterProviders(map[string]stores.Constructor{
		"s3":       s3.New,
		"gs":       gcs.New,
		"azure":    azure.NewAccount,
		"azure-ad": azure.NewAD,
		"file":     fs.New,
	})
}
