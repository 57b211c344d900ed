// Package app wires the realtime subsystems together: signaling transport,
// presence tracker, chat synchronizer, and call controller, driven by one
// config file.
package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/MateGozner/SNIF-sub000/internal/call"
	"github.com/MateGozner/SNIF-sub000/internal/chat"
	"github.com/MateGozner/SNIF-sub000/internal/config"
	"github.com/MateGozner/SNIF-sub000/internal/presence"
	"github.com/MateGozner/SNIF-sub000/internal/signal"
	"github.com/MateGozner/SNIF-sub000/internal/storage"
	"github.com/MateGozner/SNIF-sub000/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// Runtime holds the live subsystems for one signed-in user.
type Runtime struct {
	Transport *signal.Client
	Presence  *presence.Tracker
	Chat      *chat.Synchronizer
	Calls     *call.Controller
	Archive   *storage.Archive

	watcher *config.Watcher
}

// Run builds the runtime, connects, and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	rt, err := Build(opt)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Transport.Connect(ctx, opt.Cfg.Identity.UserID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Infow("runtime up", "user", opt.Cfg.Identity.UserID, "server", opt.Cfg.Server.BaseURL)

	<-ctx.Done()
	return nil
}

// Build assembles the subsystems without connecting. The caller owns the
// returned Runtime and must Close it.
func Build(opt Options) (*Runtime, error) {
	cfg := opt.Cfg

	tr := signal.New(signal.Options{
		BaseURL:       cfg.Server.BaseURL,
		Path:          cfg.Server.SignalingPath,
		BackoffBase:   time.Duration(cfg.Signaling.BackoffBaseMS) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Signaling.BackoffMaxMS) * time.Millisecond,
		DialTimeout:   time.Duration(cfg.Signaling.DialTimeoutSec) * time.Second,
		InvokeTimeout: time.Duration(cfg.Signaling.InvokeTimeoutSec) * time.Second,
	})

	tracker := presence.NewTracker(tr)

	var archive *storage.Archive
	if cfg.Chat.ArchiveDir != "" {
		dir := util.ResolvePath(opt.DataDir, cfg.Chat.ArchiveDir)
		a, err := storage.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		archive = a
		log.Debugw("archive open", "path", a.Path())
	}

	var chatArchive chat.Archive
	if archive != nil {
		chatArchive = archive
	}
	history := chat.NewHistoryClient(cfg.Server.BaseURL)
	sync := chat.NewSynchronizer(tr, history, chatArchive, cfg.Identity.UserID)

	engine := call.NewPionEngine()
	engine.SetSTUNServers(cfg.Media.STUNServers)
	calls := call.NewController(tr, engine, cfg.Identity.UserID)

	rt := &Runtime{
		Transport: tr,
		Presence:  tracker,
		Chat:      sync,
		Calls:     calls,
		Archive:   archive,
	}

	if opt.CfgPath != "" {
		w, err := config.Watch(opt.CfgPath, func(next config.Config) {
			// Server or identity changes need a reconnect; anything else is
			// picked up where it is read.
			if next.Server != cfg.Server || next.Identity != cfg.Identity {
				log.Warnw("server/identity change requires restart", "path", opt.CfgPath)
			}
			engine.SetSTUNServers(next.Media.STUNServers)
		})
		if err != nil {
			log.Warnw("config watch disabled", "err", err)
		} else {
			rt.watcher = w
		}
	}

	return rt, nil
}

// Close tears everything down: active call first, then transport, then the
// archive.
func (rt *Runtime) Close() {
	if rt.watcher != nil {
		rt.watcher.Close()
	}
	rt.Calls.Close()
	rt.Transport.Close()
	if rt.Archive != nil {
		if err := rt.Archive.Close(); err != nil {
			log.Warnw("archive close failed", "err", err)
		}
	}
}
