package sqlite

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // схема file://
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// LoadSteps читает up-миграции из источника golang-migrate
// (файлы вида 0001_name.up.sql). Каждое тело становится действием Script.
// Версии без up-файла пропускаются. Источник не закрывается.
func LoadSteps(drv source.Driver) ([]Step, error) {
	version, err := drv.First()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read first migration: %w", err)
	}

	var steps []Step
	for {
		step, ok, err := readUp(drv, version)
		if err != nil {
			return nil, err
		}
		if ok {
			steps = append(steps, step)
		}

		next, err := drv.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return steps, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read migration after %d: %w", version, err)
		}
		version = next
	}
}

func readUp(drv source.Driver, version uint) (Step, bool, error) {
	r, identifier, err := drv.ReadUp(version)
	if errors.Is(err, fs.ErrNotExist) {
		return Step{}, false, nil
	}
	if err != nil {
		return Step{}, false, fmt.Errorf("read migration %d: %w", version, err)
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return Step{}, false, fmt.Errorf("read migration %d body: %w", version, err)
	}
	return Step{
		Version: int64(version),
		Name:    identifier,
		Actions: []Action{Script{Body: string(body)}},
	}, true, nil
}

// OpenSteps загружает шаги по URL источника golang-migrate, например "file://migrations".
// Путь без схемы считается директорией на диске.
func OpenSteps(url string) ([]Step, error) {
	if !strings.Contains(url, "://") {
		u, err := BuildSourceURL(url)
		if err != nil {
			return nil, err
		}
		url = u
	}

	drv, err := source.Open(url)
	if err != nil {
		return nil, fmt.Errorf("open migration source %s: %w", url, err)
	}
	defer drv.Close()

	return LoadSteps(drv)
}

// StepsFromFS загружает шаги из fs.FS (обычно embed.FS) через драйвер iofs.
func StepsFromFS(fsys fs.FS, dir string) ([]Step, error) {
	drv, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations %s: %w", dir, err)
	}
	defer drv.Close()

	return LoadSteps(drv)
}

// BuildSourceURL строит корректный file:// URL для golang-migrate с учётом особенностей ОС.
// На Windows для путей вида "C:\..." создаёт "file:///C:/...".
func BuildSourceURL(dir string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("migrations directory: %w", err)
	}
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Нормализуем слеши для URL
	urlPath := filepath.ToSlash(absPath)
	if runtime.GOOS == "windows" && len(urlPath) >= 2 && urlPath[1] == ':' {
		urlPath = "/" + urlPath
	}
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}
	return "file://" + urlPath, nil
}
