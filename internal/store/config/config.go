package config

import "time"

type Config struct {
	DBDsn        string
	QueryTimeout time.Duration
}
