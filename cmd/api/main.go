package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/config"
	"classattend/internal/httpmiddleware"
	"classattend/internal/queue"
	"classattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:marks")
	}

	var st attendance.Store
	var tokens store.TokenStore
	if db != nil && db.Client != nil {
		pg := store.NewPostgres(db.Client)
		st, tokens = pg, pg
	} else {
		// Dev fallback so the API can run without Postgres.
		mem := store.NewMemory()
		st, tokens = mem, mem
	}
	svc := attendance.NewService(st, cfg.SessionMinutes)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		pair, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		_ = tokens.SaveRefreshToken(c.Request.Context(), req.Subject, pair.RefreshToken, pair.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"expires_at":    pair.AccessExp.Unix(),
		})
	})

	instructors := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleInstructor))

	instructors.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassID         string `json:"class_id" binding:"required"`
			DurationMinutes int    `json:"duration_minutes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.ClaimsFrom(c)
		sess, err := svc.OpenSession(c.Request.Context(), req.ClassID, claims.Subject, req.DurationMinutes)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// The token leaves the server exactly once, inside the QR
		// payload returned to the opening instructor.
		c.JSON(http.StatusCreated, gin.H{
			"session":       sess,
			"qr_payload":    attendance.QRPayload(sess),
			"fallback_code": attendance.DeriveCode(sess.Token),
		})
	})

	instructors.POST("/sessions/:id/close", func(c *gin.Context) {
		if err := svc.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
			respondReject(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": attendance.SessionClosed})
	})

	staff := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleInstructor, auth.RoleReviewer))

	staff.GET("/sessions", func(c *gin.Context) {
		sessions, err := svc.ListSessions(c.Request.Context(), attendance.SessionFilter{
			ClassID: c.Query("class_id"),
			Status:  c.Query("status"),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	staff.GET("/sessions/:id/marks", func(c *gin.Context) {
		marks, summary, err := svc.SessionMarks(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondReject(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"marks": marks, "summary": summary})
	})

	reviewers := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleReviewer))

	reviewers.PATCH("/sessions/:id/marks/:uid", func(c *gin.Context) {
		var req struct {
			Status   string `json:"status" binding:"required"`
			Reason   string `json:"reason"`
			Feedback string `json:"feedback"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.ClaimsFrom(c)
		mark, err := svc.UpdateMark(c.Request.Context(), c.Param("id"), c.Param("uid"), req.Status, req.Reason, req.Feedback, claims.Subject)
		if err != nil {
			respondReject(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"mark": mark})
	})

	students := r.Group("/v1", auth.RequireRole(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent))

	students.POST("/redemptions", func(c *gin.Context) {
		var req struct {
			Payload  string `json:"payload" binding:"required"`
			ClassID  string `json:"class_id"`
			Status   string `json:"status"`
			Reason   string `json:"reason"`
			Viewport string `json:"viewport"`
			Timezone string `json:"timezone"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error_kind": string(attendance.InvalidPayload)})
			return
		}

		claims := auth.ClaimsFrom(c)
		deviceHash := attendance.Fingerprint(
			c.GetHeader("User-Agent"),
			c.GetHeader("Accept-Language"),
			req.Viewport,
			req.Timezone,
		)

		out, err := svc.Redeem(c.Request.Context(), attendance.RedemptionRequest{
			UID:        claims.Subject,
			Payload:    req.Payload,
			ClassID:    req.ClassID,
			Status:     req.Status,
			Reason:     req.Reason,
			DeviceHash: deviceHash,
		})
		if err != nil {
			kind, ok := attendance.RejectKindOf(err)
			if !ok {
				c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "store unavailable"})
				return
			}
			c.JSON(rejectStatus(kind), gin.H{"ok": false, "error_kind": string(kind)})
			return
		}

		if err := q.Publish(c.Request.Context(), queue.MarkEvent{
			SessionID:  out.Session.ID,
			UID:        out.Mark.UID,
			DeviceHash: out.Mark.DeviceHash,
		}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusCreated, gin.H{
			"ok":         true,
			"session_id": out.Session.ID,
			"marked_at":  out.Mark.At,
			"status":     attendance.Normalize(out.Mark.Status),
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// respondReject maps a service error onto an HTTP response, rendering
// rejections with their stable error_kind string.
func respondReject(c *gin.Context, err error) {
	if kind, ok := attendance.RejectKindOf(err); ok {
		c.JSON(rejectStatus(kind), gin.H{"error_kind": string(kind)})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func rejectStatus(kind attendance.RejectKind) int {
	switch kind {
	case attendance.InvalidPayload:
		return http.StatusBadRequest
	case attendance.SessionNotFound, attendance.MarkNotFound:
		return http.StatusNotFound
	case attendance.TokenMismatch:
		return http.StatusForbidden
	case attendance.SessionExpired:
		return http.StatusGone
	case attendance.AlreadyMarked:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
