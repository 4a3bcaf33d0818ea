// Package config 负责加载服务配置：JSON 或 YAML 文件、环境变量覆盖与默认值。
package config
