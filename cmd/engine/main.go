package main

import (
	"context"
	"flag"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"

	"runbox/internal/cache"
	"runbox/internal/callback"
	"runbox/internal/config"
	"runbox/internal/dispatch"
	"runbox/internal/event"
	"runbox/internal/executor"
	"runbox/internal/handler"
	"runbox/internal/mq"
	"runbox/internal/registry"
	"runbox/internal/sandbox/engine"
	"runbox/internal/service"
	"runbox/internal/storage"
	"runbox/internal/store"
	"runbox/pkg/logger"
)

var configFile = flag.String("f", "etc/engine.yaml", "the config file")

func main() {
	flag.Parse()

	var c config.Config
	conf.MustLoad(*configFile, &c)
	c.ApplyDefaults()

	if err := logger.Init(logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		OutputPath: c.Log.Output,
	}); err != nil {
		logx.Errorf("init logger failed: %v", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	subStore, err := buildStore(c)
	if err != nil {
		logx.Errorf("init store failed: %v", err)
		return
	}
	defer func() {
		_ = subStore.Close()
	}()

	backend, err := engine.NewBackend(c.Sandbox)
	if err != nil {
		logx.Errorf("init sandbox backend failed: %v", err)
		return
	}

	var archives executor.ArchiveFetcher
	if c.MinIO.Enabled {
		objStorage, err := storage.NewMinIOStorage(c.MinIO.MinIOConfig)
		if err != nil {
			logx.Errorf("init minio failed: %v", err)
			return
		}
		archives = storage.NewArchiveStore(objStorage, c.MinIO.Bucket)
	}

	broadcaster := event.NewBroadcaster()
	languages := registry.NewBuiltin()

	exec, err := executor.New(executor.Config{
		Backend:       backend,
		Registry:      languages,
		Store:         subStore,
		WorkspaceRoot: c.Engine.WorkspaceRoot,
		Archives:      archives,
		Listener:      broadcaster,
	})
	if err != nil {
		logx.Errorf("init executor failed: %v", err)
		return
	}

	emitter := callback.New(c.Engine.CallbackTimeout)

	var publisher *event.TerminalPublisher
	if c.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(c.Kafka.KafkaConfig)
		if err != nil {
			logx.Errorf("init kafka failed: %v", err)
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		publisher = event.NewTerminalPublisher(producer, c.Kafka.TerminalTopic, 0)
	}

	var svc *service.Service
	dispatcher, err := dispatch.New(dispatch.Config{
		Executor:      exec,
		Store:         subStore,
		MaxConcurrent: c.Engine.MaxConcurrent,
		MaxQueueSize:  c.Engine.MaxQueueSize,
		OnTerminal: func(sub *store.Submission) {
			if svc != nil {
				svc.ObserveTerminal(sub)
			}
			publisher.PublishTerminal(sub)
			go emitter.Deliver(context.Background(), sub)
		},
	})
	if err != nil {
		logx.Errorf("init dispatcher failed: %v", err)
		return
	}

	svc, err = service.New(subStore, dispatcher, languages, broadcaster, c.Engine.MaxQueueSize)
	if err != nil {
		logx.Errorf("init service failed: %v", err)
		return
	}

	if err := dispatcher.Start(context.Background()); err != nil {
		logx.Errorf("start dispatcher failed: %v", err)
		return
	}
	defer dispatcher.Shutdown()

	server := rest.MustNewServer(c.RestConf)
	defer server.Stop()
	handler.RegisterHandlers(server, svc)

	logx.Infof("starting engine at %s:%d...", c.Host, c.Port)
	server.Start()
}

func buildStore(c config.Config) (store.Store, error) {
	var base store.Store
	switch c.Store.Backend {
	case "mysql":
		base = store.NewMySQLStore(c.Store.DataSource)
	default:
		base = store.NewMemoryStore()
	}
	if !c.Redis.Enabled {
		return base, nil
	}
	redisCache, err := cache.NewRedisCache(c.Redis.RedisConfig)
	if err != nil {
		return nil, err
	}
	return store.NewCachedStore(base, redisCache, c.Redis.TTL, c.Redis.EmptyTTL), nil
}
