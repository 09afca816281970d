package main

import (
	"flag"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"partnerhub/internal/config"
	"partnerhub/internal/models"
	"partnerhub/internal/server"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default is ./config.yml)")
	flag.Parse()

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}

	db, err := server.OpenDatabase(cfg, logrus.StandardLogger())
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	logrus.Info("Starting database migration...")
	if err := models.Migrate(db); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}
	logrus.Info("Migration process completed!")
}
