package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"partnerhub/internal/config"
	"partnerhub/internal/server"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}

	if err := server.Run(context.Background(), cfg, logrus.StandardLogger()); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}
