package main

import (
	"fmt"

	triggerdaq "github.com/next-exp/triggerdaq_go/pkg"
)

func printConfiguration(config triggerdaq.Configuration, logger Logger) {
	logger.Info(fmt.Sprintf("Verbosity: %d", config.Verbosity), "config")
	logger.Info(fmt.Sprintf("No DB: %t", config.NoDB), "config")
	if !config.NoDB {
		logger.Info(fmt.Sprintf("DB driver: %s", config.DBDriver), "config")
		if config.DBDriver == "sqlite" {
			logger.Info(fmt.Sprintf("DB file: %s", config.DBFile), "config")
		} else {
			logger.Info(fmt.Sprintf("Host: %s:%s", config.Host, config.Port), "config")
			logger.Info(fmt.Sprintf("DB name: %s", config.DBName), "config")
		}
	}
	logger.Info(fmt.Sprintf("NATS URL: %s", config.NatsURL), "config")
	logger.Info(fmt.Sprintf("NATS subject: %s", config.NatsSubject), "config")
	logger.Info(fmt.Sprintf("Compression: %v (level %d)", config.Compression, config.CompressionLevel), "config")
	logger.Info(fmt.Sprintf("Filename: %s", config.DAQ.Filename), "config")
	logger.Info(fmt.Sprintf("Description: %s", config.DAQ.Description), "config")
	logger.Info(fmt.Sprintf("Duration: %d ms", config.DAQ.DurationMs), "config")
	logger.Info(fmt.Sprintf("Finish timeout: %d ms", config.DAQ.FinishTimeoutMs), "config")
	logger.Info(fmt.Sprintf("Min free space: %.0f MB", config.DAQ.MinFreeSpaceMB), "config")
	logger.Info(fmt.Sprintf("Activate at startup: %t", config.DAQ.ActivateAtStartup), "config")
	logger.Info(fmt.Sprintf("Server: %t (%s)", config.Server.Enabled, config.Server.Address), "config")
	for _, node := range config.Nodes {
		logger.Info(fmt.Sprintf("Node %s: %s %s", node.Name, node.Type, string(node.Params)), "config")
	}
	for _, conn := range config.Connections {
		logger.Info(fmt.Sprintf("Connection: %s", conn), "config")
	}
}
