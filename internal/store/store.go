// Package store 提供基于 SQLite 的本地持久化。
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/WastematerialFeng/xianyu-tracker/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("store: record not found")

// Store 封装数据库访问。
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open 打开（必要时创建）SQLite 数据库并完成建表迁移。
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Product{},
		&model.DailyStat{},
		&model.CrawlTask{},
		&model.Item{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("store opened", slog.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// ---- 商品（本地跟踪）----

// CreateProduct 创建本地商品。
func (s *Store) CreateProduct(ctx context.Context, p *model.Product) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// GetProduct 按 ID 查询商品。
func (s *Store) GetProduct(ctx context.Context, id uint) (*model.Product, error) {
	var p model.Product
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProducts 返回全部本地商品，按更新时间倒序。
func (s *Store) ListProducts(ctx context.Context) ([]model.Product, error) {
	var out []model.Product
	err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&out).Error
	return out, err
}

// UpdateProduct 全量更新商品。
func (s *Store) UpdateProduct(ctx context.Context, p *model.Product) error {
	res := s.db.WithContext(ctx).Model(&model.Product{}).Where("id = ?", p.ID).
		Select("title", "category", "price", "description", "image_original", "status", "source_item_id").
		Updates(p)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProduct 删除商品及其历史统计。
func (s *Store) DeleteProduct(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", id).Delete(&model.DailyStat{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Product{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListStats 返回商品的每日统计，按日期升序。
func (s *Store) ListStats(ctx context.Context, productID uint) ([]model.DailyStat, error) {
	var out []model.DailyStat
	err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("record_date ASC").
		Find(&out).Error
	return out, err
}

// ---- 爬取结果 ----

// UpsertItems 入库一批搜索结果，source_id 冲突时更新动态字段。
// 返回新插入的数量。
func (s *Store) UpsertItems(ctx context.Context, items []model.CrawledItem, taskID *uint) (int, error) {
	inserted := 0
	for _, it := range items {
		if it.ItemID == "" {
			continue
		}
		rec := model.Item{
			SourceID:   it.ItemID,
			Title:      it.Title,
			ItemURL:    it.ItemURL,
			ImageURL:   it.ImageURL,
			SellerID:   it.SellerID,
			SellerName: it.SellerName,
			Location:   it.Location,
			WantCount:  it.WantCount,
			TaskID:     taskID,
		}
		if it.Price != nil {
			v := it.Price.InexactFloat64()
			rec.Price = &v
		}

		// upsert 的更新路径 RowsAffected 同样是 1，先查存在性才能统计新增
		var existing int64
		if err := s.db.WithContext(ctx).Model(&model.Item{}).
			Where("source_id = ?", it.ItemID).Count(&existing).Error; err != nil {
			return inserted, err
		}

		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "source_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "price", "want_count", "image_url", "location", "updated_at",
			}),
		}).Create(&rec)
		if res.Error != nil {
			return inserted, res.Error
		}
		if existing == 0 {
			inserted++
		}
	}
	return inserted, nil
}

// ListRecentItems 返回最近入库的商品。
func (s *Store) ListRecentItems(ctx context.Context, limit int) ([]model.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.Item
	err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// ---- 我的闲置同步 ----

// SyncResult 汇总一次"我的闲置"同步写库的结果。
type SyncResult struct {
	Matched int `json:"matched"` // 与本地商品建立关联的卡片数
	Stats   int `json:"stats"`   // 写入/覆盖的每日统计条数
}

// SyncMyItems 把"我的闲置"卡片数据落到本地商品的每日统计上。
//
// 只处理能通过 SourceItemID 关联到本地商品的卡片；同一天重复同步时
// 直接覆盖当日记录，页面上的浏览/想要数本身就是累计值。
func (s *Store) SyncMyItems(ctx context.Context, summaries []model.MyItemSummary, day time.Time) (*SyncResult, error) {
	date := day.Format("2006-01-02")
	result := &SyncResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, card := range summaries {
			if card.ItemID == "" {
				continue
			}
			var product model.Product
			if err := tx.Where("source_item_id = ?", card.ItemID).First(&product).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue
				}
				return err
			}
			result.Matched++

			stat := model.DailyStat{
				ProductID:  product.ID,
				RecordDate: date,
				Views:      card.ViewCount,
				Wants:      card.WantCount,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "product_id"}, {Name: "record_date"}},
				DoUpdates: clause.AssignmentColumns([]string{"views", "wants", "updated_at"}),
			}).Create(&stat).Error; err != nil {
				return err
			}
			result.Stats++

			if card.Status != "" && card.Status != product.Status {
				if err := tx.Model(&product).Update("status", card.Status).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("my items synced",
		slog.Int("cards", len(summaries)),
		slog.Int("matched", result.Matched))
	return result, nil
}

// ---- 定时任务 ----

// CreateTask 创建定时搜索任务。
func (s *Store) CreateTask(ctx context.Context, t *model.CrawlTask) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// ListTasks 返回全部任务。
func (s *Store) ListTasks(ctx context.Context) ([]model.CrawlTask, error) {
	var out []model.CrawlTask
	err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error
	return out, err
}

// DueTasks 返回 now 时刻到期的启用任务。
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]model.CrawlTask, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	due := tasks[:0]
	for _, t := range tasks {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

// UpdateTask 更新任务配置。
func (s *Store) UpdateTask(ctx context.Context, t *model.CrawlTask) error {
	res := s.db.WithContext(ctx).Model(&model.CrawlTask{}).Where("id = ?", t.ID).
		Select("name", "keyword", "max_pages", "min_price", "max_price",
			"personal_only", "enabled", "interval_minutes", "notify_enabled").
		Updates(t)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask 删除任务。
func (s *Store) DeleteTask(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.CrawlTask{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTaskRun 记录任务的最近一次执行时间。
func (s *Store) TouchTaskRun(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.CrawlTask{}).
		Where("id = ?", id).Update("last_run_at", at).Error
}
