package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmdatafocus/garage_backend/config"
	"github.com/mmdatafocus/garage_backend/middlewares"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// statusForError maps business-rule violations onto HTTP statuses; anything
// untyped is an infrastructure failure.
func statusForError(err error) int {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest
	}
	kind, ok := utils.ErrorKindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case utils.KindNotFound:
		return http.StatusNotFound
	case utils.KindInsufficientStock:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

// bindJSON binds the body and reports per-field tag failures.
func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "invalid request",
				"fields": utils.ProcessValidationErrors(err),
			})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	return true
}

func requireActor(c *gin.Context) bool {
	if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return false
	}
	return true
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if !bindJSON(c, &req) {
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		var input models.NewUser
		if !bindJSON(c, &input) {
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

/* catalog */

func createItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		var input models.NewItem
		if !bindJSON(c, &input) {
			return
		}
		item, err := models.CreateItem(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func updateItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		itemId, ok := pathId(c, "id")
		if !ok {
			return
		}
		var input models.NewItem
		if !bindJSON(c, &input) {
			return
		}
		item, err := models.UpdateItem(c.Request.Context(), itemId, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func deleteItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		itemId, ok := pathId(c, "id")
		if !ok {
			return
		}
		id, err := models.DeleteItem(c.Request.Context(), itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	}
}

func getItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		itemId, ok := pathId(c, "id")
		if !ok {
			return
		}
		item, err := models.GetItem(c.Request.Context(), itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

func getAllItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := models.GetAllItems(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	}
}

func getItemStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		itemId, ok := pathId(c, "id")
		if !ok {
			return
		}
		stock, err := models.GetActualQuantity(c.Request.Context(), itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, stock)
	}
}

func getItemByBarcodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		barcode := c.Param("barcode")
		if barcode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "barcode is required"})
			return
		}
		item, err := models.GetItemByBarcode(c.Request.Context(), barcode)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

/* sells */

func openSellHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sell, err := models.OpenSell(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sell)
	}
}

func getSellHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		sell, err := models.GetSell(c.Request.Context(), sellId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, sell)
	}
}

func addSellItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		var input models.NewSellItem
		if !bindJSON(c, &input) {
			return
		}
		line, err := models.AddSellItem(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, line)
	}
}

type updateQtyRequest struct {
	Delta int `json:"delta" binding:"required"`
}

func updateSellItemQtyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathId(c, "itemId")
		if !ok {
			return
		}
		var req updateQtyRequest
		if !bindJSON(c, &req) {
			return
		}
		line, err := models.UpdateSellItemQty(c.Request.Context(), sellId, itemId, req.Delta)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

func increaseSellItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathId(c, "itemId")
		if !ok {
			return
		}
		line, err := models.IncreaseSellItem(c.Request.Context(), sellId, itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

func decreaseSellItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathId(c, "itemId")
		if !ok {
			return
		}
		line, err := models.DecreaseSellItem(c.Request.Context(), sellId, itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, line)
	}
}

func removeSellItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathId(c, "itemId")
		if !ok {
			return
		}
		id, err := models.RemoveSellItem(c.Request.Context(), sellId, itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"item_id": id})
	}
}

func restoreSellItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		itemId, ok := pathId(c, "itemId")
		if !ok {
			return
		}
		id, err := models.RestoreSellItem(c.Request.Context(), sellId, itemId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"item_id": id})
	}
}

type setDiscountRequest struct {
	Discount decimal.Decimal `json:"discount"`
}

func setSellDiscountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req setDiscountRequest
		if !bindJSON(c, &req) {
			return
		}
		sell, err := models.SetSellDiscount(c.Request.Context(), sellId, req.Discount)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, sell)
	}
}

func cancelSellHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		id, err := models.CancelSell(c.Request.Context(), sellId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id})
	}
}

type restoreSellRequest struct {
	LineIds []int `json:"line_ids"`
}

func restoreSellHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		var req restoreSellRequest
		if !bindJSON(c, &req) {
			return
		}
		sell, err := models.RestoreSell(c.Request.Context(), sellId, req.LineIds)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, sell)
	}
}

func paginateSellsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}

		filter := models.SellFilter{}
		if v := c.Query("deleted"); v != "" {
			deleted := v == "true"
			filter.Deleted = &deleted
		}
		if v := c.Query("created_by"); v != "" {
			if createdBy, err := strconv.Atoi(v); err == nil {
				filter.CreatedBy = &createdBy
			}
		}
		if v := c.Query("from"); v != "" {
			if from, err := time.Parse(time.RFC3339, v); err == nil {
				filter.From = &from
			}
		}
		if v := c.Query("to"); v != "" {
			if to, err := time.Parse(time.RFC3339, v); err == nil {
				filter.To = &to
			}
		}

		conn, err := models.PaginateSells(c.Request.Context(), limit, after, &filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	}
}

func paginateSellItemsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}

		filter := models.SellItemFilter{}
		if v := c.Query("state"); v != "" {
			state, err := models.ParseSellItemState(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filter.State = &state
		}
		if v := c.Query("sell_id"); v != "" {
			if sellId, err := strconv.Atoi(v); err == nil {
				filter.SellId = &sellId
			}
		}
		if v := c.Query("item_id"); v != "" {
			if itemId, err := strconv.Atoi(v); err == nil {
				filter.ItemId = &itemId
			}
		}

		conn, err := models.PaginateSellItems(c.Request.Context(), limit, after, &filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	}
}

func getSellReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		receipt, err := models.GetSellReceipt(c.Request.Context(), sellId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func getSellBarcodeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sellId, ok := pathId(c, "id")
		if !ok {
			return
		}
		img, err := models.SellBarcodeImage(c.Request.Context(), sellId)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Data(http.StatusOK, "image/png", img)
	}
}

func exportSellsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		from := time.Now().AddDate(0, -1, 0)
		to := time.Now()
		if v := c.Query("from"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
				return
			}
			from = parsed
		}
		if v := c.Query("to"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
				return
			}
			to = parsed
		}

		data, err := models.ExportSellsXlsx(c.Request.Context(), from, to)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Header("Content-Disposition", "attachment; filename=sells.xlsx")
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	}
}

func clearCacheHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireActor(c) {
			return
		}
		if err := config.ClearRedis(c.Request.Context()); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"correlation_id": cid,
				"path":           c.Request.URL.Path,
			}).Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start listening before the DB is ready; app endpoints return 503 until
	// dependencies come up.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/auth/login", loginHandler())
	r.POST("/users", createUserHandler())

	r.GET("/items", getAllItemsHandler())
	r.POST("/items", createItemHandler())
	r.GET("/items/:id", getItemHandler())
	r.PUT("/items/:id", updateItemHandler())
	r.DELETE("/items/:id", deleteItemHandler())
	r.GET("/items/:id/stock", getItemStockHandler())
	r.GET("/barcodes/:barcode", getItemByBarcodeHandler())

	r.GET("/sells", paginateSellsHandler())
	r.POST("/sells", openSellHandler())
	r.GET("/exports/sells", exportSellsHandler())
	r.GET("/sells/:id", getSellHandler())
	r.DELETE("/sells/:id", cancelSellHandler())
	r.POST("/sells/:id/restore", restoreSellHandler())
	r.PUT("/sells/:id/discount", setSellDiscountHandler())
	r.GET("/sells/:id/receipt", getSellReceiptHandler())
	r.GET("/sells/:id/barcode", getSellBarcodeHandler())

	r.POST("/sell-items", addSellItemHandler())
	r.GET("/sell-items", paginateSellItemsHandler())
	r.PATCH("/sells/:id/items/:itemId", updateSellItemQtyHandler())
	r.POST("/sells/:id/items/:itemId/increase", increaseSellItemHandler())
	r.POST("/sells/:id/items/:itemId/decrease", decreaseSellItemHandler())
	r.DELETE("/sells/:id/items/:itemId", removeSellItemHandler())
	r.POST("/sells/:id/items/:itemId/restore", restoreSellItemHandler())

	// Ops tooling: flush the redis cache after manual catalog fixes.
	r.POST("/internal/cache/clear", clearCacheHandler())

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
