package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（广播镜像）
type MQTTConfig struct {
	Enabled     bool
	Broker      string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	TopicPrefix string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载配置（prefix_HOST, prefix_PORT ...）
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	c.Host = envOr(prefix+"_HOST", c.Host)
	c.Port = envIntOr(prefix+"_PORT", c.Port)
	c.User = envOr(prefix+"_USER", c.User)
	c.Password = envOr(prefix+"_PASSWORD", c.Password)
	c.Database = envOr(prefix+"_DATABASE", c.Database)
	c.SSLMode = envOr(prefix+"_SSLMODE", c.SSLMode)
	c.MaxConns = envIntOr(prefix+"_MAX_CONNS", c.MaxConns)
	c.MaxIdle = envIntOr(prefix+"_MAX_IDLE", c.MaxIdle)
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	c.Addr = envOr(prefix+"_ADDR", c.Addr)
	c.Password = envOr(prefix+"_PASSWORD", c.Password)
	c.DB = envIntOr(prefix+"_DB", c.DB)
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if v := os.Getenv(prefix + "_ENABLED"); v != "" {
		c.Enabled = v == "true" || v == "1"
	}
	c.Broker = envOr(prefix+"_BROKER", c.Broker)
	c.ClientID = envOr(prefix+"_CLIENT_ID", c.ClientID)
	c.Username = envOr(prefix+"_USERNAME", c.Username)
	c.Password = envOr(prefix+"_PASSWORD", c.Password)
	c.TopicPrefix = envOr(prefix+"_TOPIC_PREFIX", c.TopicPrefix)
	if qos := envIntOr(prefix+"_QOS", int(c.QoS)); qos >= 0 && qos <= 2 {
		c.QoS = byte(qos)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
