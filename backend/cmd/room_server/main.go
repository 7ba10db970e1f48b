package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"codeRoomServer/backend/internal/cache"
	"codeRoomServer/backend/internal/exec"
	"codeRoomServer/backend/internal/httpapi/handlers"
	"codeRoomServer/backend/internal/httpapi/middleware"
	"codeRoomServer/backend/internal/journal"
	"codeRoomServer/backend/internal/lock"
	"codeRoomServer/backend/internal/ordering"
	"codeRoomServer/backend/internal/room"
	"codeRoomServer/backend/internal/sandbox"
	"codeRoomServer/backend/internal/store"
	"codeRoomServer/backend/internal/ws"
)

type RoomServerConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"auth"`
	Sandbox struct {
		Path      string `mapstructure:"path"`
		TimeoutMs int    `mapstructure:"timeoutMs"`
	} `mapstructure:"sandbox"`
	Engine struct {
		BufferLimit      int `mapstructure:"bufferLimit"`
		GapTimeoutMs     int `mapstructure:"gapTimeoutMs"`
		IdleTimeoutMs    int `mapstructure:"idleTimeoutMs"`
		RetentionDays    int `mapstructure:"retentionDays"`
		LockTtlMs        int `mapstructure:"lockTtlMs"`
		ExecTimeoutMs    int `mapstructure:"execTimeoutMs"`
		QueueLimit       int `mapstructure:"queueLimit"`
		QueueStalenessMs int `mapstructure:"queueStalenessMs"`
	} `mapstructure:"engine"`
}

func initConfig() (*RoomServerConfig, error) {
	cfg := &RoomServerConfig{}
	v := viper.New()
	v.SetConfigName("roomConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	// === Redis（锁存储 / 在线成员 / 统计缓存）===
	// 不可达时不致命：锁策略降级为本地实现，presence 与统计缓存关闭
	var rdb redis.UniversalClient = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Printf("warn: redis unreachable, presence/stats cache disabled: %v", err)
		_ = rdb.Close()
		rdb = nil
	}
	cancelPing()
	if rdb != nil {
		defer rdb.Close()
	}

	// === MySQL（日志用 database/sql，房间持久记录用 gorm，同一个 DSN）===
	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gdb, err := gorm.Open(gormmysql.Open(cfg.Mysql.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("open mysql (gorm) failed: %v", err)
	}
	if err := gdb.AutoMigrate(&store.Room{}); err != nil {
		log.Fatalf("migrate rooms table failed: %v", err)
	}

	// === Kafka Producer（扇出是尽力而为，连不上降级为关闭）===
	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Printf("warn: kafka unreachable, room-events fan-out disabled: %v", err)
			producer = nil
		} else {
			defer producer.Close()
		}
	}

	// === 引擎组件 ===
	tracker := ordering.NewTracker(ordering.TrackerOptions{
		BufferLimit: cfg.Engine.BufferLimit,
		GapTimeout:  time.Duration(cfg.Engine.GapTimeoutMs) * time.Millisecond,
		IdleTimeout: time.Duration(cfg.Engine.IdleTimeoutMs) * time.Millisecond,
	})
	defer tracker.Close()

	ledger := ordering.NewLedger()
	jr := journal.NewJournal(db)
	stopJanitor := jr.StartJanitor(time.Hour, cfg.Engine.RetentionDays)
	defer stopJanitor()

	roomStore := store.NewRoomStore(gdb)

	// 锁策略在启动时一次性确定（redis 可达→分布式；否则本地，弱保证）
	lockCtx, cancelLock := context.WithTimeout(context.Background(), 5*time.Second)
	lockStore := lock.New(lockCtx, rdb)
	cancelLock()
	log.Printf("lock store strategy: %s", lockStore.Name())

	sandboxClient := sandbox.NewClient(cfg.Sandbox.Path, time.Duration(cfg.Sandbox.TimeoutMs)*time.Millisecond)
	coordinator := exec.NewCoordinator(lockStore, sandboxClient, exec.Options{
		LockTTL:            time.Duration(cfg.Engine.LockTtlMs) * time.Millisecond,
		DefaultExecTimeout: time.Duration(cfg.Engine.ExecTimeoutMs) * time.Millisecond,
		QueueLimit:         cfg.Engine.QueueLimit,
		QueueStaleness:     time.Duration(cfg.Engine.QueueStalenessMs) * time.Millisecond,
	})

	sendSem := ordering.NewSemaphoreControl(100)
	dispatcher := ordering.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		sendSem,
		ordering.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)
	defer dispatcher.Close()

	var presence cache.PresenceCache
	var statsCache *cache.StatsCache
	if rdb != nil {
		presence = cache.NewRedisPresence(rdb)
	}
	statsCache = cache.NewStatsCache(rdb)

	engine := room.NewEngine(tracker, ledger, jr, roomStore, coordinator, dispatcher, presence)
	hub := ws.NewHub(presence)
	engine.SetBroadcaster(hub)
	manager := ws.NewManager(hub, engine)

	diagnostics := handlers.NewDiagnostics(tracker, ledger, jr, coordinator, statsCache, presence, engine)
	executeHandler := handlers.NewExecute(engine)

	// === 路由 ===
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）；比 AllowOrigins:["*"] 更兼容
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization", "roomid", "roomId", "room_id"},
		ExposeHeaders:   []string{"Content-Length"},
		// 不依赖 Cookie（token 都放 Authorization），false 避免某些浏览器对 * / null 的限制
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	roomGroup := r.Group("/room")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，调用 /v1/auth/verify，写入 userId/username
	roomGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	roomGroup.GET("/ws", manager.WebSocketConnect)
	roomGroup.POST("/:roomId/execute", executeHandler.Handle)

	diagGroup := r.Group("/diagnostics")
	diagGroup.Use(middleware.AuthMiddleware(cfg.Auth.Path))
	diagnostics.Register(diagGroup)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	port := cfg.Running.Port
	_ = r.Run(fmt.Sprintf(":%d", port))
}
