// Package api 提供 HTTP 管理接口：触发爬取、扫码登录、商品与任务管理。
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/api/middleware"
	"github.com/WastematerialFeng/xianyu-tracker/internal/config"
	"github.com/WastematerialFeng/xianyu-tracker/internal/crawler"
	"github.com/WastematerialFeng/xianyu-tracker/internal/model"
	"github.com/WastematerialFeng/xianyu-tracker/internal/pkg/progress"
	"github.com/WastematerialFeng/xianyu-tracker/internal/qrlogin"
	"github.com/WastematerialFeng/xianyu-tracker/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Crawler 是 API 层需要的爬虫能力。
type Crawler interface {
	Search(ctx context.Context, req crawler.SearchRequest) (*crawler.Outcome, error)
	CrawlMyItems(ctx context.Context) (*crawler.MyItemsOutcome, error)
	CrawlItemDetail(ctx context.Context, itemID string) (*model.ItemDetail, error)
	Stop()
	Running() bool
	CheckLoginState() (bool, error)
}

// QRManager 是 API 层需要的扫码登录能力。
type QRManager interface {
	GenerateCode(ctx context.Context) (*qrlogin.Session, error)
	GetStatus(id string) (qrlogin.Status, error)
	GetCookies(id string) (map[string]string, error)
	GetSession(id string) (*qrlogin.Session, error)
}

// lastRun 记录最近一次爬取的摘要，供状态接口展示。
type lastRun struct {
	Kind         string    `json:"kind"`
	Keyword      string    `json:"keyword,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Items        int       `json:"items"`
	Pages        int       `json:"pages,omitempty"`
	Stopped      bool      `json:"stopped"`
	BotChallenge bool      `json:"bot_challenge"`
	TimedOut     bool      `json:"timed_out"`
	Error        string    `json:"error,omitempty"`
}

// Server 组装路由与依赖。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	crawler Crawler
	qr      QRManager
	store   *store.Store
	state   *crawler.StateFile
	buffer  *progress.Buffer
	router  *gin.Engine

	mu   sync.Mutex
	last *lastRun
}

// NewServer 初始化 API 服务器并注册路由。
func NewServer(cfg *config.Config, logger *slog.Logger, cr Crawler, qr QRManager, st *store.Store, state *crawler.StateFile, buffer *progress.Buffer) *Server {
	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		crawler: cr,
		qr:      qr,
		store:   st,
		state:   state,
		buffer:  buffer,
		router:  gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestLogger(logger))

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := s.router.Group("/api")
	{
		crawlerGroup := apiGroup.Group("/crawler")
		crawlerGroup.POST("/search", s.handleSearch)
		crawlerGroup.POST("/my-items", s.handleMyItems)
		crawlerGroup.POST("/stop", s.handleStop)
		crawlerGroup.GET("/status", s.handleStatus)
		crawlerGroup.GET("/logs", s.handleLogs)
		crawlerGroup.GET("/login-state", s.handleLoginStateGet)
		crawlerGroup.POST("/login-state", s.handleLoginStatePost)

		qrGroup := apiGroup.Group("/qr-login")
		qrGroup.POST("/generate", s.handleQRGenerate)
		qrGroup.GET("/status/:id", s.handleQRStatus)
		qrGroup.GET("/cookies/:id", s.handleQRCookies)

		products := apiGroup.Group("/products")
		products.GET("", s.handleListProducts)
		products.POST("", s.handleCreateProduct)
		products.GET("/:id", s.handleGetProduct)
		products.PUT("/:id", s.handleUpdateProduct)
		products.DELETE("/:id", s.handleDeleteProduct)
		products.GET("/:id/stats", s.handleProductStats)

		tasks := apiGroup.Group("/tasks")
		tasks.GET("", s.handleListTasks)
		tasks.POST("", s.handleCreateTask)
		tasks.PUT("/:id", s.handleUpdateTask)
		tasks.DELETE("/:id", s.handleDeleteTask)

		apiGroup.GET("/items", s.handleRecentItems)
		apiGroup.GET("/items/:id/detail", s.handleItemDetail)
	}

	return s
}

// Handler 返回 http.Handler，供 main 挂到 http.Server 上。
func (s *Server) Handler() http.Handler { return s.router }

// ---- 爬取 ----

func (s *Server) handleSearch(c *gin.Context) {
	var req crawler.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "keyword is required"})
		return
	}
	if s.crawler.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "a crawl is already running"})
		return
	}

	go s.runSearch(req)
	c.JSON(http.StatusAccepted, gin.H{"started": true, "keyword": req.Keyword})
}

// runSearch 在后台执行搜索爬取并把结果入库。
func (s *Server) runSearch(req crawler.SearchRequest) {
	run := &lastRun{Kind: "search", Keyword: req.Keyword, StartedAt: time.Now()}
	defer func() {
		run.FinishedAt = time.Now()
		s.setLastRun(run)
	}()

	outcome, err := s.crawler.Search(context.Background(), req)
	if err != nil {
		run.Error = err.Error()
		s.logger.Error("search crawl failed", slog.Any("error", err))
		return
	}
	run.Items = len(outcome.Items)
	run.Pages = outcome.Pages
	run.Stopped = outcome.Stopped
	run.BotChallenge = outcome.BotChallenge
	run.TimedOut = outcome.TimedOut

	if _, err := s.store.UpsertItems(context.Background(), outcome.Items, nil); err != nil {
		run.Error = err.Error()
		s.logger.Error("persist search results failed", slog.Any("error", err))
	}
}

func (s *Server) handleMyItems(c *gin.Context) {
	if s.crawler.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "a crawl is already running"})
		return
	}

	go s.runMyItems()
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

func (s *Server) runMyItems() {
	run := &lastRun{Kind: "my_items", StartedAt: time.Now()}
	defer func() {
		run.FinishedAt = time.Now()
		s.setLastRun(run)
	}()

	outcome, err := s.crawler.CrawlMyItems(context.Background())
	if err != nil {
		run.Error = err.Error()
		s.logger.Error("my items crawl failed", slog.Any("error", err))
		return
	}
	run.Items = len(outcome.Items)
	run.Stopped = outcome.Stopped
	if outcome.NotAuthenticated {
		run.Error = "not authenticated"
		return
	}

	if _, err := s.store.SyncMyItems(context.Background(), outcome.Items, time.Now()); err != nil {
		run.Error = err.Error()
		s.logger.Error("sync my items failed", slog.Any("error", err))
	}
}

func (s *Server) handleStop(c *gin.Context) {
	s.crawler.Stop()
	c.JSON(http.StatusOK, gin.H{"stopping": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	loggedIn, err := s.crawler.CheckLoginState()
	if err != nil {
		s.logger.Warn("login state check failed", slog.Any("error", err))
	}
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"running":   s.crawler.Running(),
		"logged_in": loggedIn,
		"last_run":  last,
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.buffer.Snapshot()})
}

func (s *Server) setLastRun(run *lastRun) {
	s.mu.Lock()
	s.last = run
	s.mu.Unlock()
}

// ---- 扫码登录 ----

func (s *Server) handleQRGenerate(c *gin.Context) {
	sess, err := s.qr.GenerateCode(c.Request.Context())
	if err != nil {
		s.logger.Error("qr generate failed", slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create qr login session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"qr_image":   sess.QRImage(),
		"status":     qrlogin.StatusWaiting,
	})
}

func (s *Server) handleQRStatus(c *gin.Context) {
	status, err := s.qr.GetStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	resp := gin.H{"status": status}
	if status == qrlogin.StatusSuccess {
		if sess, err := s.qr.GetSession(c.Param("id")); err == nil {
			resp["account_id"] = sess.AccountID()
			resp["cookie_string"] = sess.CookieString()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleQRCookies(c *gin.Context) {
	cookies, err := s.qr.GetCookies(c.Param("id"))
	if err != nil {
		if errors.Is(err, qrlogin.ErrNotConfirmed) {
			c.JSON(http.StatusConflict, gin.H{"error": "session not confirmed yet"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cookies": cookies})
}

// ---- 登录态 ----

func (s *Server) handleLoginStateGet(c *gin.Context) {
	loggedIn, err := s.crawler.CheckLoginState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read login state"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_in": loggedIn})
}

// handleLoginStatePost 导入外部导出的登录态（storage state JSON）。
func (s *Server) handleLoginStatePost(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty body"})
		return
	}
	if err := s.state.SetRaw(data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid login state payload"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": true})
}

// ---- 商品 ----

func (s *Server) handleListProducts(c *gin.Context) {
	products, err := s.store.ListProducts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list products"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (s *Server) handleCreateProduct(c *gin.Context) {
	var p model.Product
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if p.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if err := s.store.CreateProduct(c.Request.Context(), &p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create product"})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleGetProduct(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	p, err := s.store.GetProduct(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get product"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdateProduct(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var p model.Product
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	p.ID = id
	if err := s.store.UpdateProduct(c.Request.Context(), &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update product"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) handleDeleteProduct(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteProduct(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete product"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleProductStats(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	stats, err := s.store.ListStats(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ---- 任务 ----

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.store.ListTasks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var t model.CrawlTask
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if t.Keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "keyword is required"})
		return
	}
	if t.Name == "" {
		t.Name = t.Keyword
	}
	if t.MaxPages <= 0 {
		t.MaxPages = 1
	}
	if t.IntervalMinutes <= 0 {
		t.IntervalMinutes = 60
	}
	if err := s.store.CreateTask(c.Request.Context(), &t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var t model.CrawlTask
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	t.ID = id
	if err := s.store.UpdateTask(c.Request.Context(), &t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := s.store.DeleteTask(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ---- 爬取结果 ----

func (s *Server) handleRecentItems(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	items, err := s.store.ListRecentItems(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list items"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// handleItemDetail 同步抓取商品详情。详情爬取需要独占浏览器，耗时数十秒。
func (s *Server) handleItemDetail(c *gin.Context) {
	itemID := c.Param("id")
	if itemID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "item id is required"})
		return
	}

	detail, err := s.crawler.CrawlItemDetail(c.Request.Context(), itemID)
	if err != nil {
		if errors.Is(err, crawler.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "a crawl is already running"})
			return
		}
		s.logger.Error("item detail crawl failed", slog.String("item_id", itemID), slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to crawl item detail"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}
