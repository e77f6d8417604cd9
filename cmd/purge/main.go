// purge 按各房间的保留天数软删除过期消息，供定时任务调用。
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"roomchat/internal/config"
	"roomchat/internal/db"
	clog "roomchat/internal/log"
	"roomchat/internal/service"
	"roomchat/internal/store/gormstore"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "only count messages that would be purged")
	parallel := flag.Int("parallel", 4, "rooms processed concurrently")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	clog.Init(cfg.Env)
	if cfg.DBDriver == config.DriverMemory {
		log.Fatal().Msg("purge needs a persistent store")
	}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect db")
	}
	defer db.Close(gdb)
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := gormstore.New(gdb)
	rooms, err := service.NewRoomRegistry(st, st, service.NewAuditLog(st))
	if err != nil {
		log.Fatal().Err(err).Msg("room registry")
	}
	report, err := rooms.PurgeExpired(ctx, *dryRun, *parallel)
	if err != nil {
		log.Error().Err(err).Msg("purge failed")
		stop()
		os.Exit(1)
	}
	log.Info().Bool("dry_run", report.DryRun).Int("rooms", len(report.Rooms)).Int64("total", report.Total).Msg("purge done")
}
