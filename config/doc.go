// Package config 提供补全层的配置加载：
// 默认值 → YAML 文件 → 环境变量三级覆盖，外加 zap logger 构建。
package config
