// Package storage — файловые примитивы, на которых держится вся персистентность:
// подготовка каталога состояния, атомарная запись JSON-снапшотов и открытие
// bbolt-файлов с едиными правами. Все .db-файлы демона проходят через OpenBolt,
// поэтому права и таймауты блокировок согласованы в одном месте.

package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

const (
	// DefaultDirPerm — права каталога состояния: доступ только владельцу.
	DefaultDirPerm = 0o700
	// DefaultFilePerm — права файлов состояния (снапшоты, bbolt).
	DefaultFilePerm = 0o600
	// boltOpenTimeout ограничивает ожидание файловой блокировки при открытии,
	// чтобы второй экземпляр демона падал быстро, а не висел.
	boltOpenTimeout = time.Second
)

// EnsureDir создаёт каталог для указанного файла (со всеми родителями).
// Безопасно вызывать повторно; пустая директория пути трактуется как текущая.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, DefaultDirPerm); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	return nil
}

// AtomicWriteFile записывает данные во временный файл рядом с целевым и
// атомарно переименовывает его. Порядок: write → fsync → chmod → close → rename →
// best-effort fsync каталога. Читатели всегда видят либо старую, либо новую версию целиком.
func AtomicWriteFile(path string, data []byte) error {
	if err := EnsureDir(path); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()

	// При любой ошибке ниже временный файл убирается; после rename удалять нечего.
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err = tmp.Write(data); err != nil {
		cleanup()
		return errors.Wrap(err, "write temp file")
	}
	if err = tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "fsync temp file")
	}
	if err = tmp.Chmod(DefaultFilePerm); err != nil {
		cleanup()
		return errors.Wrap(err, "chmod temp file")
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "rename temp file")
	}

	// fsync каталога гарантирует, что rename пережил внезапное отключение питания.
	// Ошибка здесь не фатальна: данные уже на месте.
	if d, dirErr := os.Open(dir); dirErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// OpenBolt открывает (при необходимости создавая) bbolt-файл с едиными правами
// и таймаутом блокировки. Каталог создаётся автоматически.
func OpenBolt(path string) (*bbolt.DB, error) {
	if err := EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, DefaultFilePerm, &bbolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt %s", filepath.Base(path))
	}
	return db, nil
}
