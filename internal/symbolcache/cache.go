package symbolcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"perp-maker-go/order"
)

// Cache 交易对约束缓存，所有任务共享。
// mu 只保护内存 map，临界区内不做任何 I/O；落盘由 fileMu 串行化。
type Cache struct {
	path string

	mu    sync.RWMutex
	items map[string]order.SymbolConstraints

	fileMu sync.Mutex
}

// Open 读取 path 处的 JSON 缓存；文件不存在时返回空缓存。path 为空则只缓存在内存。
func Open(path string) (*Cache, error) {
	c := &Cache{path: path, items: make(map[string]order.SymbolConstraints)}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read symbol cache: %w", err)
	}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c.items); err != nil {
		return nil, fmt.Errorf("decode symbol cache %s: %w", path, err)
	}
	return c, nil
}

func key(symbol string) string { return strings.ToUpper(symbol) }

// Get 读取缓存
func (c *Cache) Get(symbol string) (order.SymbolConstraints, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key(symbol)]
	return v, ok
}

// Symbols 已缓存的交易对
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Put 更新缓存并整体落盘（临时文件 + rename）。
func (c *Cache) Put(symbol string, v order.SymbolConstraints) error {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	c.mu.Lock()
	c.items[key(symbol)] = v
	snapshot := make(map[string]order.SymbolConstraints, len(c.items))
	for k, item := range c.items {
		snapshot[k] = item
	}
	c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	return c.write(snapshot)
}

func (c *Cache) write(snapshot map[string]order.SymbolConstraints) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".symbols-*.json")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace symbol cache: %w", err)
	}
	return nil
}
