package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.pagestream.dev/core/backup"
	mbp "go.pagestream.dev/core/mainboilerplate"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/stores"
)

// BackupConfig selects the backups of a database.
type BackupConfig struct {
	Database pb.DatabaseID    `long:"database" short:"d" required:"true" description:"Database of the backups"`
	Stores   []pb.BackupStore `long:"store" short:"s" required:"true" description:"Backup store URL, eg s3://bucket/prefix/. May be repeated, in preference order"`
}

func (cfg BackupConfig) restoreArgs() backup.RestoreArgs {
	var args = backup.RestoreArgs{Database: cfg.Database, Stores: cfg.Stores}
	mbp.Must(args.Validate(), "invalid backup configuration")
	return args
}

type cmdBackupsList struct {
	BackupConfig
	Format string        `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format"`
	SigTTL time.Duration `long:"url-ttl" default:"0s" description:"Provide a signed GET URL with the given TTL"`
}

func (cmd *cmdBackupsList) Execute([]string) error {
	mbp.InitLog(Config.Log)
	registerStores()
	var args = cmd.restoreArgs()

	var ctx, cancel = context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var objects, err = backup.ListObjects(ctx, args.Database, args.Stores...)
	mbp.Must(err, "failed to list backup objects")

	var urls = make([]string, len(objects))
	if cmd.SigTTL != 0 {
		for i, obj := range objects {
			var store, err = stores.Get(obj.Store)
			mbp.Must(err, "failed to get backup store", "store", obj.Store)

			urls[i], err = store.SignGet(obj.Key, cmd.SigTTL)
			mbp.Must(err, "failed to sign object URL", "key", obj.Key)
		}
	}

	switch cmd.Format {
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		for i, obj := range objects {
			mbp.Must(enc.Encode(struct {
				backup.Object
				Kind      string `json:"Kind"`
				SignedURL string `json:",omitempty"`
			}{obj, obj.Kind.String(), urls[i]}), "failed to encode to json")
		}
	case "table":
		var table = tablewriter.NewWriter(os.Stdout)

		var headers = []any{"Kind", "Sequence", "Store", "Key", "Modified"}
		if cmd.SigTTL != 0 {
			headers = append(headers, "URL")
		}
		table.Header(headers...)

		for i, obj := range objects {
			var row = []string{
				obj.Kind.String(),
				fmt.Sprintf("%d", obj.Sequence),
				string(obj.Store),
				obj.Key,
				humanize.Time(obj.ModTime),
			}
			if cmd.SigTTL != 0 {
				row = append(row, urls[i])
			}
			mbp.Must(table.Append(row), "failed to append table row")
		}
		mbp.Must(table.Render(), "failed to render table")
	}
	return nil
}
