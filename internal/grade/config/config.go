package config

type Config struct {
	TiersFile string // YAML с таблицей грейдов, пусто - таблица по умолчанию
}
