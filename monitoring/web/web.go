// Package web holds the page served by the DART monitor.
package web

import (
	"embed"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path"
	"runtime"
	"strconv"
)

//go:embed dist/*
var staticAssets embed.FS

// DevModeEnv names the environment variable that makes GetAssets serve the
// page from the source tree, so it can be edited without rebuilding.
const DevModeEnv = "DART_MONITOR_DEV"

// GetAssets returns the static assets
func GetAssets() http.FileSystem {
	if isDevelopmentMode() {
		_, assetPath, _, ok := runtime.Caller(0)
		if !ok {
			panic("error getting path")
		}

		assetPath = path.Join(path.Dir(assetPath), "dist")
		log.Printf("monitor development mode, serving %s\n", assetPath)

		return http.Dir(assetPath)
	}

	subFS, err := fs.Sub(staticAssets, "dist")
	if err != nil {
		panic(err)
	}

	return http.FS(subFS)
}

func isDevelopmentMode() bool {
	dev, err := strconv.ParseBool(os.Getenv(DevModeEnv))

	return err == nil && dev
}
