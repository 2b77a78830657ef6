package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Gopher0727/Nyx/config"
	"github.com/Gopher0727/Nyx/internal/storage"
	logger "github.com/Gopher0727/Nyx/middleware/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建或更新数据库表结构",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logger.NewLogger(&cfg.Logging)
		if err != nil {
			return err
		}
		defer log.Close()

		db, err := storage.OpenDatabase(&cfg.Database, log.Logger)
		if err != nil {
			return err
		}
		defer storage.Close(db)

		if err := storage.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		log.Info("migration finished", zap.String("driver", cfg.Database.Driver))
		return nil
	},
}

// loadConfig 配置文件不存在时退回默认值
func loadConfig() (*config.Config, error) {
	path := configPath
	if path != "" && !fileExists(path) {
		path = ""
	}
	return config.LoadConfig(path)
}
