package storage

import (
	"github.com/go-sql-driver/mysql"

	logx "mailwatch/pkg/logx"
)

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	// Validate the DSN up front so a typo is a config error, not a ping timeout.
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	mc.ParseTime = true
	cfg.DSN = mc.FormatDSN()
	return openNetworkSQL("mysql", mysqlDialect, cfg, log)
}
