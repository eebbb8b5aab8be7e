package main

import (
	"context"
	"log"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/workerpool"

	vmconfig "github.com/veilmeet/veilmeet/config"
	"github.com/veilmeet/veilmeet/internal/keygroup"
	"github.com/veilmeet/veilmeet/internal/meeting"
	"github.com/veilmeet/veilmeet/internal/perfmon"
	"github.com/veilmeet/veilmeet/pkg/events"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[vmconfig.ClientConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	eventRef := cfg.GetEventsQueueName()
	eventURL := cfg.GetEventsQueueURL()

	signalSub := &meeting.Subscriber{}

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("veilmeet"),
		frame.WithRegisterPublisher(eventRef, eventURL),
		frame.WithRegisterPublisher(cfg.SignalQueueName, cfg.SignalQueueURL),
		frame.WithRegisterSubscriber(cfg.SignalQueueName, cfg.SignalQueueURL, signalSub),
		frame.WithWorkerPoolOptions(
			workerpool.WithPoolCount(cfg.WorkerPoolCount),
			workerpool.WithSinglePoolCapacity(cfg.WorkerPoolCapacity),
		),
	)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	pub := events.NewPublisher(srv.QueueManager(), "client", eventRef)

	identity, err := keygroup.NewIdentity(cfg.MemberID)
	if err != nil {
		log.Fatalf("creating identity: %v", err)
	}
	keys := keygroup.NewService(identity, pub)

	signaler := meeting.NewQueueSignaler(srv.QueueManager(), cfg.SignalQueueName)
	monitor := perfmon.New(cfg.PerfSampleWindow, cfg.SlowFrameBudget())

	manager := meeting.NewManager(meeting.ManagerConfig{
		AllowUnencryptedFallback: cfg.AllowUnencryptedFallback,
		Keys:                     keys,
		Signaler:                 signaler,
		Publisher:                pub,
		Monitor:                  monitor,
		Pool:                     pool,
	})
	signalSub.Manager = manager
	defer manager.Close(ctx)

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
