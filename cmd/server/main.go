package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sandboxengine/engine/internal/backend/container"
	"github.com/sandboxengine/engine/internal/backend/microvm"
	"github.com/sandboxengine/engine/internal/branch"
	"github.com/sandboxengine/engine/internal/config"
	"github.com/sandboxengine/engine/internal/enginecontract"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sandboxengine/engine/internal/firecracker"
	"github.com/sandboxengine/engine/internal/gateway"
	"github.com/sandboxengine/engine/internal/metrics"
	"github.com/sandboxengine/engine/internal/outputcache"
	"github.com/sandboxengine/engine/internal/podman"
	"github.com/sandboxengine/engine/internal/snapstore"
	"github.com/sandboxengine/engine/internal/warmpool"
	engineinternal "github.com/sandboxengine/engine/internal/engine"
	"github.com/sandboxengine/engine/pkg/enginetypes"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("engine: failed to load config: %v", err)
	}

	ctx := context.Background()

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Printf("engine: failed to connect to NATS at %s, pool events disabled: %v", cfg.NATSURL, err)
		} else {
			metrics.SetEventConn(nc)
			defer nc.Close()
			log.Printf("engine: publishing pool occupancy events to %s on %s", cfg.NATSURL, metrics.PoolEventSubject)
		}
	}

	s3Client := buildS3Client(cfg)
	store, err := snapstore.Open(snapstore.Config{
		LocalDir: cfg.DataDir + "/snapstore",
		S3Client: s3Client,
		Bucket:   cfg.S3Bucket,
		Eviction: snapstore.LeafLRU,
		CapBytes: 20 << 30, // 20GiB local cache before leaf eviction kicks in
		PGDSN:    cfg.SnapstorePGDSN,
	})
	if err != nil {
		log.Fatalf("engine: failed to open snapshot store: %v", err)
	}

	backends := make(map[enginetypes.Backend]enginecontract.Backend)

	if cfg.Runtime == "container" || cfg.Runtime == "hybrid" {
		podmanClient, err := podman.NewClient()
		if err != nil {
			log.Fatalf("engine: failed to initialize podman: %v", err)
		}
		backends[enginetypes.BackendContainer] = container.New(podmanClient, store, container.ProbeConfig{
			Kind:             container.ProbeKind(cfg.ProbeKind),
			Command:          strings.Fields(cfg.ProbeCommand),
			FilePath:         cfg.ProbeFilePath,
			Port:             cfg.ProbePort,
			HTTPPath:         cfg.ProbeHTTPPath,
			Interval:         cfg.ProbeInterval,
			Timeout:          cfg.ProbeTimeout,
			SuccessThreshold: cfg.ProbeSuccessThreshold,
		})
		log.Println("engine: container backend ready (podman)")
	}

	if cfg.Runtime == "microvm" || cfg.Runtime == "hybrid" {
		mgr, err := firecracker.NewManager(firecracker.Config{
			DataDir:        cfg.DataDir,
			KernelPath:     cfg.KernelPath,
			ImagesDir:      cfg.RootfsDir,
			FirecrackerBin: cfg.FirecrackerBin,
		})
		if err != nil {
			log.Fatalf("engine: failed to initialize firecracker manager: %v", err)
		}
		mvBackend, err := microvm.New(mgr, store)
		if err != nil {
			log.Fatalf("engine: failed to initialize microvm backend: %v", err)
		}
		backends[enginetypes.BackendMicroVM] = mvBackend
		log.Println("engine: microvm backend ready (firecracker)")
	}

	if len(backends) == 0 {
		log.Fatalf("engine: RUNTIME=%q registered no backends", cfg.Runtime)
	}

	poolMgr := warmpool.NewManager(backends, warmpool.Config{
		MaxConcurrentWarm: 4,
		ReplenishEvery:    5 * time.Second,
		CleanupEvery:      30 * time.Second,
		IdleTTL:           10 * time.Minute,
		StatePath:         cfg.WarmPoolStatePath,
	})
	poolCtx, poolCancel := context.WithCancel(ctx)
	go poolMgr.Run(poolCtx)

	branchMgr := branch.NewManager(store, backends)
	cache := outputcache.New(cfg.OutputCacheTTL)
	if cfg.OutputCacheRedisAddr != "" {
		cache.UseRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.OutputCacheRedisAddr,
			Password: cfg.OutputCacheRedisPassword,
			DB:       cfg.OutputCacheRedisDB,
		}))
		log.Printf("engine: output cache using shared redis tier at %s", cfg.OutputCacheRedisAddr)
	}

	eng := engineinternal.New(engineinternal.Config{
		Backends:                      backends,
		Images:                        map[string]enginetypes.EnvironmentImage{},
		Store:                         store,
		Pool:                          poolMgr,
		Branches:                      branchMgr,
		Cache:                         cache,
		SessionMaxLifetime:            cfg.SessionMaxLifetime,
		SessionHeartbeatInterval:      cfg.SessionHeartbeatInterval,
		SessionMissedHeartbeatLimit:   cfg.SessionMissedHeartbeatLimit,
		SessionMaxExtensions:          cfg.SessionMaxExtensions,
		SessionAutoCheckpointInterval: cfg.SessionAutoCheckpointInterval,
	})
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	go eng.RunSessionLifecycle(sessionCtx)

	srv := gateway.NewServer(eng, cfg.APIKey)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("engine: starting gateway on %s (runtime=%s, warm_pool_size=%d)", addr, cfg.Runtime, cfg.WarmPoolSize)

	go func() {
		if err := srv.Start(addr); err != nil {
			log.Printf("engine: gateway server stopped: %v", err)
		}
	}()

	<-quit
	log.Println("engine: shutting down...")
	poolCancel()
	sessionCancel()
	eng.Teardown(context.Background())
	store.Close()
}

// buildS3Client constructs an S3 client for the snapshot store's durability
// tier, or nil if no bucket is configured (local-only store).
func buildS3Client(cfg *config.Config) *s3.Client {
	if cfg.S3Bucket == "" {
		return nil
	}
	if cfg.S3AccessKeyID != "" {
		opts := []func(*s3.Options){
			func(o *s3.Options) {
				o.Region = cfg.S3Region
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "",
				)
				if cfg.S3ForcePathStyle {
					o.UsePathStyle = true
				}
				if cfg.S3Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.S3Endpoint)
				}
			},
		}
		return s3.New(s3.Options{}, opts...)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		log.Printf("engine: failed to load AWS config for S3, running without remote durability tier: %v", err)
		return nil
	}
	var s3Opts []func(*s3.Options)
	if cfg.S3ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.S3Endpoint) })
	}
	return s3.NewFromConfig(awsCfg, s3Opts...)
}
