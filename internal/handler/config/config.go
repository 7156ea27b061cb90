package config

type Config struct {
	ServerAddr     string
	APIKey         string // ключ для /api/payments и /api/admin, пусто - маршруты выключены
	AllowedOrigins []string
	// ограничение попыток входа и регистрации с одного адреса, 0 - без ограничения
	LoginRate  float64
	LoginBurst int
}
