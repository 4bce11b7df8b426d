package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonvolker/sofa-registry/internal/config"
	"github.com/wilsonvolker/sofa-registry/internal/data"
	"github.com/wilsonvolker/sofa-registry/internal/data/lease"
	dataslot "github.com/wilsonvolker/sofa-registry/internal/data/slot"
	"github.com/wilsonvolker/sofa-registry/internal/data/storage"
	"github.com/wilsonvolker/sofa-registry/internal/metrics"
	"github.com/wilsonvolker/sofa-registry/internal/session"
	"github.com/wilsonvolker/sofa-registry/internal/session/push"
	"github.com/wilsonvolker/sofa-registry/internal/slot"
	"github.com/wilsonvolker/sofa-registry/internal/transport"
)

var (
	configPath  = flag.String("config", "", "path to YAML config")
	ip          = flag.String("ip", "", "local node IP (overrides config)")
	dataDir     = flag.String("data-dir", "", "data directory (overrides config)")
	metricsAddr = flag.String("metrics", "", "metrics listen address (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *ip != "" {
		cfg.Node.IP = *ip
	}
	if cfg.Node.IP == "" {
		cfg.Node.IP = uuid.NewString()
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("registry exited", zap.Error(err))
	}
}

// run wires a standalone node: both tiers in one process connected by the
// in-process transport, every slot led locally. A wire transport and the meta
// tier replace the local pieces in a clustered deployment.
func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inproc := transport.NewInProcess()

	st := storage.New(cfg.Node.DataCenter, cfg.Data.SlotCount, log)
	leases := lease.NewManager(cfg.Data.SessionLeaseTTL(), log)
	defer leases.Close()

	recorder, err := dataslot.NewDiskRecorder(cfg.Node.DataDir, cfg.Data.SlotTableRetain, log)
	if err != nil {
		return err
	}
	defer recorder.Close()

	slots := dataslot.NewManager(dataslot.Options{
		LocalIP:          cfg.Node.IP,
		Config:           cfg.Data,
		Storage:          st,
		Sessions:         leases,
		SessionExchanger: inproc,
		DataExchanger:    inproc,
		Meta:             transport.NoopMetaClient{},
		Recorders:        []dataslot.Recorder{recorder},
		Listeners:        []dataslot.ChangeListener{st},
	}, log)
	defer slots.Close()

	dataNode := data.NewNode(st, slots, log)
	inproc.RegisterData(cfg.Node.IP, dataNode)

	client := transport.NewLoggingClientTransport(log)
	pusher := push.NewProcessor(cfg.Session, client, log)
	defer pusher.Close()

	slotTable := session.NewSlotTableCache(cfg.Data.SlotCount, log)
	registry := session.NewRegistry(cfg.Session, slotTable, pusher, inproc, client, log)
	inproc.RegisterSession(cfg.Node.IP, registry)
	st.SetChangeHandler(func(dataCenter, dataInfoId string, version int64) {
		registry.HandleDataChange(dataCenter, dataInfoId, version)
	})

	table := selfLeaderTable(cfg.Node.IP, cfg.Data.SlotCount)
	slots.UpdateTable(table)
	slotTable.Update(table)
	leases.Renew(cfg.Node.IP)

	exporter := metrics.NewExporter(cfg.MetricsAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return exporter.Stop()
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Data.SessionLeaseTTL() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				leases.Renew(cfg.Node.IP)
			}
		}
	})

	log.Info("registry started",
		zap.String("ip", cfg.Node.IP),
		zap.Int("slots", cfg.Data.SlotCount),
		zap.String("metrics", cfg.MetricsAddr))
	return g.Wait()
}

// selfLeaderTable assigns every slot to the local node at epoch 1.
func selfLeaderTable(ip string, slotCount int) *slot.Table {
	slots := make([]slot.Slot, 0, slotCount)
	for i := 0; i < slotCount; i++ {
		slots = append(slots, slot.Slot{ID: i, Leader: ip, LeaderEpoch: 1})
	}
	return slot.NewTable(1, slots)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
