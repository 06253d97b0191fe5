// Package api 暴露 ExtensionHub 的管理接口：插件生命周期、授权、提交审核与统计。
package api
