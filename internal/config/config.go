// Package config содержит логику чтения конфигурации сервиса admarket.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/jooyeonthemaster/admarket-system/internal/model"
)

// Config содержит параметры конфигурации сервиса admarket.
type Config struct {
	RunAddress         string `env:"RUN_ADDRESS"`
	DatabaseURI        string `env:"DATABASE_URI"`
	FulfillmentAddress string `env:"FULFILLMENT_ADDRESS"`
	AuthSecret         string `env:"AUTH_SECRET"`
	AdminToken         string `env:"ADMIN_TOKEN"`

	// CancellationApproval включает двухшаговую отмену через подтверждение
	// администратором. При false возврат выполняется сразу при заявке.
	CancellationApproval bool `env:"CANCELLATION_APPROVAL"`

	PriceReward     int64 `env:"PRICE_REWARD"`
	PriceReceipt    int64 `env:"PRICE_RECEIPT_REVIEW"`
	PriceKakaomap   int64 `env:"PRICE_KAKAOMAP_REVIEW"`
	PriceBlog       int64 `env:"PRICE_BLOG_DISTRIBUTION"`
	PriceCafe       int64 `env:"PRICE_CAFE_MARKETING"`
	PriceExperience int64 `env:"PRICE_EXPERIENCE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.FulfillmentAddress, "f", "", "fulfillment reporting system address")
	flag.StringVar(&cfg.AuthSecret, "s", "admarket-secret", "secret key for auth cookies")
	flag.StringVar(&cfg.AdminToken, "t", "", "shared token for admin endpoints")
	flag.BoolVar(&cfg.CancellationApproval, "approval", false, "require admin approval for cancellations")

	flag.Int64Var(&cfg.PriceReward, "price-reward", 20, "unit price for place reward orders")
	flag.Int64Var(&cfg.PriceReceipt, "price-receipt", 100, "unit price for receipt review orders")
	flag.Int64Var(&cfg.PriceKakaomap, "price-kakaomap", 120, "unit price for kakaomap review orders")
	flag.Int64Var(&cfg.PriceBlog, "price-blog", 50, "unit price for blog distribution orders")
	flag.Int64Var(&cfg.PriceCafe, "price-cafe", 30, "unit price for cafe marketing orders")
	flag.Int64Var(&cfg.PriceExperience, "price-experience", 500, "unit price for experience orders")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.FulfillmentAddress != "" {
		cfg.FulfillmentAddress = fromEnv.FulfillmentAddress
	}
	if fromEnv.AuthSecret != "" {
		cfg.AuthSecret = fromEnv.AuthSecret
	}
	if fromEnv.AdminToken != "" {
		cfg.AdminToken = fromEnv.AdminToken
	}
	if fromEnv.CancellationApproval {
		cfg.CancellationApproval = true
	}
	if fromEnv.PriceReward > 0 {
		cfg.PriceReward = fromEnv.PriceReward
	}
	if fromEnv.PriceReceipt > 0 {
		cfg.PriceReceipt = fromEnv.PriceReceipt
	}
	if fromEnv.PriceKakaomap > 0 {
		cfg.PriceKakaomap = fromEnv.PriceKakaomap
	}
	if fromEnv.PriceBlog > 0 {
		cfg.PriceBlog = fromEnv.PriceBlog
	}
	if fromEnv.PriceCafe > 0 {
		cfg.PriceCafe = fromEnv.PriceCafe
	}
	if fromEnv.PriceExperience > 0 {
		cfg.PriceExperience = fromEnv.PriceExperience
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// Prices возвращает цены за единицу по типам услуг.
func (c *Config) Prices() map[model.ProductType]int64 {
	return map[model.ProductType]int64{
		model.ProductReward:     c.PriceReward,
		model.ProductReceipt:    c.PriceReceipt,
		model.ProductKakaomap:   c.PriceKakaomap,
		model.ProductBlog:       c.PriceBlog,
		model.ProductCafe:       c.PriceCafe,
		model.ProductExperience: c.PriceExperience,
	}
}
