package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/cache"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/ledger"
	"github.com/MISHHF93/allora-forge-builder-kit-sub000/pkgs/utils"
)

var log = logrus.New()

// MonitorAPI serves read-only operational views over the submission
// ledger and the warm cache. It never writes: the submitter daemon owns
// all mutations.
type MonitorAPI struct {
	ledger *ledger.Ledger
	store  *cache.Cache
}

// Health reports whether the ledger file is readable and how fresh the
// submitter's heartbeat is.
func (m *MonitorAPI) Health(c *gin.Context) {
	if _, err := m.ledger.ReadAll(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	resp := gin.H{
		"status":    "healthy",
		"ledger":    m.ledger.Path(),
		"timestamp": time.Now().UTC(),
	}
	if beat, ok := m.store.LastBeat(c.Request.Context(), "submitter"); ok {
		age := time.Since(time.Unix(beat, 0))
		resp["submitter_heartbeat_age_seconds"] = int64(age.Seconds())
		resp["submitter_alive"] = age < 2*time.Minute
	} else {
		resp["submitter_alive"] = false
	}
	c.JSON(http.StatusOK, resp)
}

// LedgerSummary returns aggregate counts plus the latest rows.
func (m *MonitorAPI) LedgerSummary(c *gin.Context) {
	summary, err := m.ledger.Summarize()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary":   summary,
		"timestamp": time.Now().UTC(),
	})
}

// LedgerRows returns the most recent ledger rows, newest last.
func (m *MonitorAPI) LedgerRows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	records, err := m.ledger.ReadAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}

	rows := make([]gin.H, 0, len(records))
	for _, rec := range records {
		row := gin.H{
			"window_start": time.Unix(rec.WindowStart, 0).UTC().Format(time.RFC3339),
			"topic_id":     rec.TopicID,
			"success":      rec.Success,
			"status":       rec.Status,
			"tx_hash":      rec.TxHash,
			"score":        rec.Score,
			"reward":       rec.Reward,
		}
		if rec.Value != nil {
			row["value"] = utils.FormatValue(*rec.Value)
		}
		if rec.Nonce != nil {
			row["nonce"] = *rec.Nonce
		}
		rows = append(rows, row)
	}

	c.JSON(http.StatusOK, gin.H{
		"count":     len(rows),
		"rows":      rows,
		"timestamp": time.Now().UTC(),
	})
}

// TopicState returns the last cached evaluation for a topic.
func (m *MonitorAPI) TopicState(c *gin.Context) {
	topicID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid topic id"})
		return
	}

	state, ok := m.store.LastTopicState(c.Request.Context(), topicID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached state for topic"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// authMiddleware enforces the optional bearer token.
func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func loadConfig() {
	viper.SetDefault("LEDGER_PATH", "./data/submissions.csv")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("CHAIN_ID", "allora-testnet-1")
	viper.SetDefault("WALLET_ADDRESS", "")
	viper.SetDefault("MONITOR_API_PORT", "8080")
	viper.SetDefault("API_AUTH_TOKEN", "")
	viper.SetDefault("LOG_LEVEL", "info")

	viper.SetConfigName("monitor")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err == nil {
		log.WithField("file", viper.ConfigFileUsed()).Info("Loaded config file")
	}
	viper.AutomaticEnv()
}

func main() {
	log.SetFormatter(&logrus.JSONFormatter{})
	loadConfig()
	if viper.GetString("LOG_LEVEL") == "debug" {
		log.SetLevel(logrus.DebugLevel)
	}

	led := ledger.New(viper.GetString("LEDGER_PATH"))

	store, err := cache.New(
		viper.GetString("REDIS_URL"),
		cache.NewKeyBuilder(viper.GetString("CHAIN_ID"), viper.GetString("WALLET_ADDRESS")),
		64,
		time.Hour,
	)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer store.Close()

	api := &MonitorAPI{ledger: led, store: store}

	router := gin.Default()
	v1 := router.Group("/api/v1", authMiddleware(viper.GetString("API_AUTH_TOKEN")))
	{
		v1.GET("/health", api.Health)
		v1.GET("/ledger/summary", api.LedgerSummary)
		v1.GET("/ledger/rows", api.LedgerRows)
		v1.GET("/topic/:id/state", api.TopicState)
	}

	port := viper.GetString("MONITOR_API_PORT")
	log.WithFields(logrus.Fields{
		"port":   port,
		"ledger": viper.GetString("LEDGER_PATH"),
	}).Info("🚀 Monitor API starting")

	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
