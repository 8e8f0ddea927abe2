package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"

	"colabora_app_echo/internal/handlers"
	authMiddleware "colabora_app_echo/internal/middleware"
	"colabora_app_echo/internal/models"
	"colabora_app_echo/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	// Initialize Firebase
	credPath := os.Getenv("FIREBASE_CREDENTIALS_PATH")
	if credPath == "" {
		credPath = "./firebase-service-account.json"
	}

	authClient, err := services.InitFirebase(credPath)
	if err != nil {
		log.Printf("Warning: Firebase initialization failed: %v", err)
		log.Println("Admin endpoints will reject requests until valid credentials are provided")
	}

	// Initialize Database
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := services.InitDB(databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := services.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize Redis
	var cache *services.RedisCache
	redisURL := os.Getenv("REDIS_URL")
	if redisURL != "" {
		cache, err = services.NewRedisCache(redisURL)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer cache.Close()
	} else {
		log.Println("Warning: REDIS_URL not set, callback locking and caching disabled")
	}

	// Public base used for gateway redirect URLs
	if base := os.Getenv("PUBLIC_BASE_URL"); base != "" {
		models.PublicBaseURL = base
	}

	// Payment gateway client
	redsys, err := services.NewRedsysService(services.RedsysConfigFromEnv(), gommonlog.New("redsys"))
	if err != nil {
		log.Fatalf("Failed to configure payment gateway: %v", err)
	}

	batch := services.NewBatchService(db, gommonlog.New("batch"))
	payments := services.NewPaymentService(db, cache, redsys, gommonlog.New("payments"))

	// Create Echo instance
	e := echo.New()
	e.HTTPErrorHandler = authMiddleware.CustomErrorHandler

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Initialize handlers
	callbackHandler := handlers.NewCallbackHandler(payments)
	batchHandler := handlers.NewBatchHandler(batch, payments, cache)

	// Gateway notifications arrive unauthenticated; the signature check
	// inside the service is the trust boundary.
	e.POST("/orders/callback/redsys", callbackHandler.RedsysCallback)
	e.GET("/orders/callback/redsys", callbackHandler.RedsysCallback)

	// Admin routes
	admin := e.Group("/admin")
	admin.Use(authMiddleware.RequireAuth(authClient))
	admin.GET("/cycles/:month/orders", batchHandler.ListCycleOrders)
	admin.POST("/cycles/:month/charge", batchHandler.ChargeCycle)
	admin.POST("/cycles/:month/paid", batchHandler.SettleCycle)
	admin.POST("/orders/:id/return", batchHandler.ReturnOrder)
	admin.POST("/orders/:id/charge", batchHandler.ChargeRenewal)

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	e.Logger.Fatal(e.Start(":" + port))
}
