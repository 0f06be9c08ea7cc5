package main

import (
	"flag"
	"log"

	"finpilot/internal/config"
	"finpilot/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default ./config.yml)")
	flag.Parse()

	// 读取配置文件并允许 FINPILOT_* 环境变量覆盖
	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("FINPILOT")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.Driver == "memory" {
		log.Fatal("database.driver=memory has nothing to migrate")
	}

	// 连接数据库
	db, err := store.Open(cfg.Database, false, logrus.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")
	if err := store.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully!")

	// 创建复合索引
	log.Println("Creating additional indexes...")
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_rules_tenant_trigger_status ON automation_rules(tenant_id, trigger_type, status)",
		"CREATE INDEX IF NOT EXISTS idx_executions_tenant_triggered ON automation_executions(tenant_id, triggered_at)",
		"CREATE INDEX IF NOT EXISTS idx_executions_tenant_rule ON automation_executions(tenant_id, rule_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_occurred ON audit_events(tenant_id, occurred_at)",
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			log.Printf("index not created: %v", err)
		}
	}
	log.Println("Migration finished")
}
