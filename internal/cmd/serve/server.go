package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/recallio/recall/internal/config"
	"github.com/recallio/recall/internal/dataencryption"
	"github.com/recallio/recall/internal/episodic"
	attachencrypt "github.com/recallio/recall/internal/plugin/attach/encrypt"
	"github.com/recallio/recall/internal/plugin/route/admin"
	"github.com/recallio/recall/internal/plugin/route/attachments"
	"github.com/recallio/recall/internal/plugin/route/conversations"
	"github.com/recallio/recall/internal/plugin/route/entries"
	"github.com/recallio/recall/internal/plugin/route/mcp"
	"github.com/recallio/recall/internal/plugin/route/memberships"
	"github.com/recallio/recall/internal/plugin/route/memories"
	"github.com/recallio/recall/internal/plugin/route/responses"
	"github.com/recallio/recall/internal/plugin/route/search"
	routesystem "github.com/recallio/recall/internal/plugin/route/system"
	"github.com/recallio/recall/internal/plugin/route/transfers"
	storemetrics "github.com/recallio/recall/internal/plugin/store/metrics"
	registryattach "github.com/recallio/recall/internal/registry/attach"
	registrycache "github.com/recallio/recall/internal/registry/cache"
	registryembed "github.com/recallio/recall/internal/registry/embed"
	registryepisodic "github.com/recallio/recall/internal/registry/episodic"
	registrymigrate "github.com/recallio/recall/internal/registry/migrate"
	registryroute "github.com/recallio/recall/internal/registry/route"
	registrystore "github.com/recallio/recall/internal/registry/store"
	registryvector "github.com/recallio/recall/internal/registry/vector"
	internalresumer "github.com/recallio/recall/internal/resumer"
	"github.com/recallio/recall/internal/security"
	"github.com/recallio/recall/internal/service"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           registrystore.MemoryStore
	Router          *gin.Engine
	Running         *RunningServers
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	return s.Running.Close(ctx)
}

// StartServer initializes all subsystems and starts serving HTTP.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting recall",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Build the encryption service and inject it into the context so store
	// loaders can seal and unseal their columns.
	encSvc, err := dataencryption.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	ctx = dataencryption.WithContext(ctx, encSvc)

	// Initialize cache and inject into context so store loaders can read it.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if entriesCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithEntriesCacheContext(ctx, entriesCache)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	store = storemetrics.Wrap(store)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(security.AdminAuditMiddleware(cfg.RequireJustification))
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.Loaders(registryroute.Main) {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Initialize attachment store (optional).
	// "db" stores blobs beside the rows in the primary database.
	var attachStore registryattach.BlobStore
	attachStoreName := cfg.AttachType
	if attachStoreName == "db" {
		attachStoreName = cfg.DatastoreType
	}
	if attachStoreName != "" {
		attachLoader, err := registryattach.Select(attachStoreName)
		if err != nil {
			log.Warn("Attachment store not available", "err", err)
		} else {
			attachStore, err = attachLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize attachment store", "err", err)
			}
		}
	}
	// Wrap with encryption when a real provider is configured.
	if attachStore != nil && !cfg.EncryptionAttachmentsDisabled && encSvc.IsPrimaryReal() {
		attachStore, err = attachencrypt.Wrap(attachStore, encSvc)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize attachment encryption: %w", err)
		}
	}

	// Initialize embedder and vector store (optional, for semantic search)
	var embedder registryembed.Embedder
	var vectorStore registryvector.Store
	if cfg.SearchSemanticEnabled && cfg.EmbedType != "" && cfg.EmbedType != "none" {
		embedLoader, err := registryembed.Select(cfg.EmbedType)
		if err != nil {
			log.Warn("Embedder not available", "err", err)
		} else {
			embedder, err = embedLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize embedder", "err", err)
			}
		}
	}
	if cfg.SearchSemanticEnabled && cfg.VectorType != "" && cfg.VectorType != "none" {
		if embedder == nil {
			return nil, fmt.Errorf("vector store %q requires an embedding provider: set --embedding-kind to a value other than 'none'", cfg.VectorType)
		}
		vectorLoader, err := registryvector.Select(cfg.VectorType)
		if err != nil {
			log.Warn("Vector store not available", "err", err)
		} else {
			vectorStore, err = vectorLoader(ctx)
			if err != nil {
				log.Warn("Failed to initialize vector store", "err", err)
			}
		}
	}

	// Initialize the response recorder. Without a locator the recorder routes
	// stay mounted but answer 501.
	locatorStore, err := internalresumer.NewLocatorStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize response recorder locator store: %w", err)
	}
	var recorder *internalresumer.Store
	if locatorStore.Available() {
		recorder = internalresumer.NewTempFileStore(cfg.ResolvedTempDir(), cfg.ResumerTempFileRetention, locatorStore)
	} else {
		log.Info("Response recorder disabled", "resumer", cfg.ResumerType)
	}

	// Initialize the episodic memory store and its OPA policies. The store
	// plugin is keyed by the datastore kind; when the datastore has no episodic
	// plugin the /v1/memories surface stays unmounted.
	var episodicStore registryepisodic.EpisodicStore
	var policyEngine *episodic.PolicyEngine
	if episodicLoader, err := registryepisodic.Select(cfg.DatastoreType); err != nil {
		log.Warn("Episodic memories not available", "store", cfg.DatastoreType, "err", err)
	} else {
		episodicStore, err = episodicLoader(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize episodic store: %w", err)
		}
		policyEngine, err = episodic.NewPolicyEngine(ctx, cfg.EpisodicPolicyDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load episodic policies: %w", err)
		}
	}

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	// Background workers that route handlers call into.
	indexer := service.NewIndexer(store, embedder, vectorStore, cfg)
	engine := service.NewEvictionEngine(store, cfg)
	jobs := service.NewEvictionJobs()
	var episodicIndexer *service.EpisodicIndexer
	if episodicStore != nil {
		episodicIndexer = service.NewEpisodicIndexer(episodicStore, embedder, cfg)
	}

	// Mount Agent API routes
	conversations.MountRoutes(router, store, auth)
	entries.MountRoutes(router, store, indexer, auth)
	memberships.MountRoutes(router, store, auth)
	transfers.MountRoutes(router, store, auth)
	search.MountRoutes(router, store, cfg, auth, embedder, vectorStore)
	attachments.MountRoutes(router, store, attachStore, cfg, auth)
	responses.MountRoutes(router, store, recorder, cfg, auth)
	memories.MountRoutes(router, episodicStore, policyEngine, cfg, auth, embedder)
	mcp.MountRoutes(router, store, cfg, auth, embedder, vectorStore)

	// Mount Admin API routes
	admin.MountRoutes(router, store, attachStore, engine, jobs, cfg, auth)
	memories.MountAdminRoutes(router, episodicStore, policyEngine, cfg, episodicIndexer, auth, security.RequireAdminRole())

	// Start background services
	taskProc := service.NewTaskProcessor(store, vectorStore, indexer, cfg)
	go taskProc.Start(ctx)

	if attachStore != nil {
		gc := service.NewAttachmentGC(store, attachStore, cfg)
		go gc.Start(ctx)
	}

	if episodicStore != nil {
		go episodicIndexer.Start(ctx)
		go service.NewEpisodicTTL(episodicStore, cfg).Start(ctx)
	}

	// Drain entries left pending by a crash or a vector store outage.
	if indexer.Enabled() {
		if err := indexer.EnqueueRetry(ctx); err != nil {
			log.Warn("Failed to schedule index retry task", "err", err)
		}
	}

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management server. Otherwise,
	// mount them on the main router so existing single-port behaviour is unchanged.
	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.Loaders(registryroute.Management) {
			if err := loader(mgmtRouter); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		for _, loader := range registryroute.Loaders(registryroute.Management) {
			if err := loader(router); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}

	// Start the single-port listener
	running, err := StartSinglePort(ctx, cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:          cfg,
		Store:           store,
		Router:          router,
		Running:         running,
		closeManagement: closeManagement,
	}, nil
}
