package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"go.pagestream.dev/core/backup"
	mbp "go.pagestream.dev/core/mainboilerplate"
	"go.pagestream.dev/core/pagestore"
)

type cmdRestore struct {
	BackupConfig
	Out string `long:"out" required:"true" description:"Path of the SQLite page store to restore into"`
}

func (cmd *cmdRestore) Execute([]string) error {
	mbp.InitLog(Config.Log)
	registerStores()
	var args = cmd.restoreArgs()

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var store, err = pagestore.OpenSQLite(cmd.Out)
	mbp.Must(err, "failed to open page store", "path", cmd.Out)
	defer store.Close()

	wm, err := store.Watermark()
	mbp.Must(err, "failed to read page store watermark")

	result, err := backup.Restore(ctx, args, store)
	mbp.Must(err, "restore failed", "watermark", wm)

	digest, err := pagestore.Digest(store)
	mbp.Must(err, "failed to digest restored page store")

	log.WithFields(log.Fields{
		"database": args.Database,
		"path":     cmd.Out,
		"from":     wm,
		"sequence": result.Sequence,
		"snapshot": result.Snapshot,
		"batches":  result.Batches,
		"frames":   result.Frames,
		"digest":   digest,
	}).Info("restored database")

	if result.Sequence == 0 {
		return fmt.Errorf("no backups of database %s were found", args.Database)
	}
	return nil
}
