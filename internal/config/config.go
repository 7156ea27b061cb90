package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	gradeConfig "github.com/iurnickita/loyaltymart/internal/grade/config"
	handlerConfig "github.com/iurnickita/loyaltymart/internal/handler/config"
	loggerConfig "github.com/iurnickita/loyaltymart/internal/logger/config"
	serviceConfig "github.com/iurnickita/loyaltymart/internal/service/config"
	storeConfig "github.com/iurnickita/loyaltymart/internal/store/config"
	tokenConfig "github.com/iurnickita/loyaltymart/internal/token/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Token   tokenConfig.Config
	Grade   gradeConfig.Config
	// Memory - хранить данные в памяти процесса, без PostgreSQL
	Memory bool
}

var ErrNoSecret = errors.New("JWT secret is required when a database is configured")

// GetConfig читает флаги командной строки. Переменные окружения
// имеют приоритет над флагами. Файл .env, если есть, дополняет окружение.
func GetConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return parse(os.Args[0], os.Args[1:], os.LookupEnv)
}

func parse(name string, args []string, lookupEnv func(string) (string, bool)) (Config, error) {
	var (
		cfg     Config
		origins string
	)

	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "server address")
	flags.StringVar(&cfg.Handler.APIKey, "k", "", "api key for payment and admin routes")
	flags.StringVar(&origins, "origins", "", "comma separated CORS origins")
	flags.StringVar(&cfg.Store.DBDsn, "d", "", "database DSN")
	flags.DurationVar(&cfg.Store.QueryTimeout, "db-timeout", 10*time.Second, "database query timeout")
	flags.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	flags.StringVar(&cfg.Token.SecretKey, "s", "", "JWT secret")
	flags.DurationVar(&cfg.Token.TTL, "token-ttl", 24*time.Hour, "JWT lifetime")
	flags.StringVar(&cfg.Grade.TiersFile, "g", "", "grade tiers YAML file")
	flags.StringVar(&cfg.Service.PaymentAddr, "r", "", "payment system address")
	flags.DurationVar(&cfg.Service.PaymentPollInterval, "poll-interval", 5*time.Second, "payment poll interval")
	flags.DurationVar(&cfg.Service.PaymentPollTimeout, "poll-timeout", time.Hour, "payment poll timeout per order")
	flags.Float64Var(&cfg.Handler.LoginRate, "login-rate", 1, "login attempts per second per address, 0 disables")
	flags.IntVar(&cfg.Handler.LoginBurst, "login-burst", 5, "login attempts burst")
	flags.BoolVar(&cfg.Memory, "memory", false, "keep data in memory")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	stringVars := map[string]*string{
		"RUN_ADDRESS":            &cfg.Handler.ServerAddr,
		"API_KEY":                &cfg.Handler.APIKey,
		"ALLOWED_ORIGINS":        &origins,
		"DATABASE_URI":           &cfg.Store.DBDsn,
		"LOG_LEVEL":              &cfg.Logger.LogLevel,
		"JWT_SECRET":             &cfg.Token.SecretKey,
		"GRADE_TIERS":            &cfg.Grade.TiersFile,
		"PAYMENT_SYSTEM_ADDRESS": &cfg.Service.PaymentAddr,
	}
	for env, dst := range stringVars {
		if v, ok := lookupEnv(env); ok {
			*dst = v
		}
	}

	durationVars := map[string]*time.Duration{
		"DB_QUERY_TIMEOUT":      &cfg.Store.QueryTimeout,
		"TOKEN_TTL":             &cfg.Token.TTL,
		"PAYMENT_POLL_INTERVAL": &cfg.Service.PaymentPollInterval,
		"PAYMENT_POLL_TIMEOUT":  &cfg.Service.PaymentPollTimeout,
	}
	for env, dst := range durationVars {
		if v, ok := lookupEnv(env); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("%s: %w", env, err)
			}
			*dst = d
		}
	}

	if v, ok := lookupEnv("LOGIN_RATE"); ok {
		loginRate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("LOGIN_RATE: %w", err)
		}
		cfg.Handler.LoginRate = loginRate
	}
	if v, ok := lookupEnv("MEMORY_STORE"); ok {
		memory, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("MEMORY_STORE: %w", err)
		}
		cfg.Memory = memory
	}
	// без базы работаем в памяти
	if cfg.Store.DBDsn == "" {
		cfg.Memory = true
	}

	if cfg.Token.SecretKey == "" {
		if !cfg.Memory {
			return Config{}, ErrNoSecret
		}
		// в памяти токены живут до перезапуска, как и данные
		secret, err := randomSecret()
		if err != nil {
			return Config{}, err
		}
		cfg.Token.SecretKey = secret
	}

	cfg.Handler.AllowedOrigins = splitList(origins)
	return cfg, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate JWT secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
