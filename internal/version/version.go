// 包 version：构建信息，由 -ldflags "-X subregion-map/internal/version.Commit=<sha>" 注入
package version

var Commit = "dev"
