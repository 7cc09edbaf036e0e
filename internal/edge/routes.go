package edge

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/admin"
	"github.com/danmuck/edgepub/internal/auth"
	"github.com/danmuck/edgepub/internal/observability"
	"github.com/danmuck/edgepub/internal/protocol"
	"github.com/danmuck/edgepub/internal/region"
	"github.com/danmuck/edgepub/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// CommandResult describes what happened to an admin command accepted over HTTP.
type CommandResult struct {
	Command protocol.AdminCommand `json:"command"`
	Changed bool                  `json:"changed"`
	// Queued means the command was published for every edge and will be
	// applied when it arrives back from the stream.
	Queued bool `json:"queued"`
}

// CommandFunc submits one admin command.
type CommandFunc func(cmd protocol.AdminCommand) (CommandResult, error)

// ApplyLocally submits commands straight to a registry.
func ApplyLocally(reg *admin.Registry) CommandFunc {
	return func(cmd protocol.AdminCommand) (CommandResult, error) {
		changed, err := reg.Apply(cmd)
		return CommandResult{Command: cmd, Changed: changed}, err
	}
}

// PublishToStream submits commands through the admin stream.
func PublishToStream(stream *admin.Stream) CommandFunc {
	return func(cmd protocol.AdminCommand) (CommandResult, error) {
		if err := cmd.Validate(); err != nil {
			return CommandResult{}, err
		}
		if err := stream.Publish(cmd); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Command: cmd, Queued: true}, nil
	}
}

// RouterConfig configures the HTTP surface of one edge node.
type RouterConfig struct {
	Logger      zerolog.Logger
	CORSOrigins []string
	// OriginPatterns are passed to the websocket upgrade.
	OriginPatterns []string
	WriteTimeout   time.Duration
	// Endpoints resolves the public endpoint returned by /v1/region.
	Endpoints region.Router
	// Admin guards the admin routes; nil disables them.
	Admin    auth.Validator
	Commands CommandFunc
}

// NewRouter builds the gin engine serving websocket, health, region and
// admin routes for srv.
func NewRouter(srv *Server, cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestID())
	router.Use(observability.RequestLogger(cfg.Logger))
	router.Use(observability.RequestMetricsMiddleware(srv.NodeID()))
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", auth.AdminTokenHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	_ = router.SetTrustedProxies(nil)
	if cfg.Commands == nil {
		cfg.Commands = ApplyLocally(srv.Registry())
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    srv.Uptime().String(),
			"component": "edge",
			"version":   version,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":       true,
			"node":        srv.NodeID(),
			"region":      srv.Region(),
			"connections": srv.Connections(),
			"version":     version,
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/v1/region", func(c *gin.Context) {
		p, err := parsePoint(c.Query("lat"), c.Query("lon"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		continent := c.Query("continent")
		code := region.Select(continent, p)
		resp := gin.H{"region": code}
		if anchor, ok := region.Lookup(code); ok {
			resp["city"] = anchor.City
		}
		if len(cfg.Endpoints.Endpoints) > 0 || cfg.Endpoints.Default != "" {
			code, endpoint, err := cfg.Endpoints.Resolve(continent, p)
			if err == nil {
				resp["region"] = code
				resp["endpoint"] = endpoint
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/v1/regions", func(c *gin.Context) {
		list := region.Anchors()
		out := make([]gin.H, 0, len(list))
		for _, a := range list {
			entry := gin.H{"region": a.Code, "city": a.City, "lat": a.Point.Lat, "lon": a.Point.Lon}
			if ep, ok := cfg.Endpoints.Endpoints[a.Code]; ok {
				entry["endpoint"] = ep
			}
			out = append(out, entry)
		}
		c.JSON(http.StatusOK, gin.H{"regions": out})
	})

	router.GET("/ws", func(c *gin.Context) {
		conn, err := transport.Accept(c.Writer, c.Request, transport.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
			WriteTimeout:   cfg.WriteTimeout,
		})
		if err != nil {
			// Accept has already written the http error.
			cfg.Logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		if err := srv.ServeConn(c.Request.Context(), conn); err != nil {
			cfg.Logger.Debug().Err(err).Msg("websocket session ended")
		}
	})

	if cfg.Admin != nil {
		group := router.Group("/v1/admin", requireToken(cfg.Admin))
		group.POST("/commands", func(c *gin.Context) {
			var cmd protocol.AdminCommand
			if err := c.ShouldBindJSON(&cmd); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			result, err := cfg.Commands(cmd)
			if err != nil {
				status := http.StatusBadGateway
				if errors.Is(err, protocol.ErrInvalidCommand) {
					status = http.StatusBadRequest
				}
				c.JSON(status, gin.H{"error": err.Error()})
				return
			}
			status := http.StatusOK
			if result.Queued {
				status = http.StatusAccepted
			}
			c.JSON(status, result)
		})
		group.GET("/paused", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"paused": srv.Registry().Snapshot()})
		})
	}

	return router
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := v.Validate(auth.RequestToken(c.Request)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func parsePoint(lat, lon string) (region.Point, error) {
	if strings.TrimSpace(lat) == "" || strings.TrimSpace(lon) == "" {
		return region.Point{}, errors.New("lat and lon are required")
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil || la < -90 || la > 90 {
		return region.Point{}, errors.New("lat must be a number in [-90, 90]")
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil || lo < -180 || lo > 180 {
		return region.Point{}, errors.New("lon must be a number in [-180, 180]")
	}
	return region.Point{Lat: la, Lon: lo}, nil
}
