// Package config 加载 ExtensionHub 的 YAML 配置，支持 ${ENV} 展开，
// 并通过 Watcher 热更新插件配置覆盖项。
package config
