package main

import (
	"context"
	"log"
	"os"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/user"
	mongodb "github.com/darasahq/darasa/storage/database/mongo"
	sqlxrepos "github.com/darasahq/darasa/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()

	// set up storage
	usrRepo, closeDB, err := setUpStorage(conf)
	errAndDie(err)
	defer func() { _ = closeDB() }()

	// start CLI
	cli := commandLine{
		usrRepo: usrRepo,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func setUpStorage(conf *core.Config) (user.Repository, func() error, error) {
	switch conf.Database.Engine {
	case "postgres":
		db, err := sqlxrepos.Open(conf)
		if err != nil {
			return nil, nil, err
		}
		if err = sqlxrepos.EnsureSchema(db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return sqlxrepos.NewUserRepository(db), db.Close, nil

	default: // mongo
		ctx, cancel := context.WithTimeout(context.Background(), conf.Database.Timeout)
		defer cancel()

		db, err := mongodb.Open(ctx, conf)
		if err != nil {
			return nil, nil, err
		}
		if err = mongodb.EnsureIndexes(ctx, db); err != nil {
			return nil, nil, err
		}
		closeDB := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), conf.Database.Timeout)
			defer cancel()
			return db.Client().Disconnect(ctx)
		}
		return mongodb.NewUserRepository(db), closeDB, nil
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
