package model

import (
	"time"
)

// Product 表示用户在本地跟踪的一件商品（可能已在闲鱼发布，也可能还未发布）。
//
// SourceItemID 在商品与闲鱼侧记录建立关联后填充，"我的闲置"同步靠它定位。
type Product struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Title         string   `gorm:"not null" json:"title"`
	Category      string   `json:"category"`
	Price         *float64 `json:"price"`
	Description   string   `json:"description"`
	ImageOriginal bool     `gorm:"default:false" json:"image_original"`              // 图片是否原创
	Status        string   `gorm:"default:active" json:"status"`                     // active / sold / delisted
	SourceItemID  string   `gorm:"type:varchar(64);index" json:"source_item_id"`     // 闲鱼商品 ID
}

// DailyStat 是商品的每日数据快照，(product_id, record_date) 唯一。
//
// 页面上的浏览/想要数是累计值，同一天多次同步时直接覆盖当日记录。
type DailyStat struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	ProductID  uint   `gorm:"not null;uniqueIndex:idx_product_date" json:"product_id"`
	RecordDate string `gorm:"type:varchar(10);not null;uniqueIndex:idx_product_date" json:"record_date"` // YYYY-MM-DD
	Views      int    `gorm:"default:0" json:"views"`
	Wants      int    `gorm:"default:0" json:"wants"`
}

// CrawlTask 表示一个命名的周期性搜索任务。
type CrawlTask struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name         string   `gorm:"not null" json:"name"`
	Keyword      string   `gorm:"not null" json:"keyword"`
	MaxPages     int      `gorm:"default:1" json:"max_pages"`
	MinPrice     *float64 `json:"min_price"`
	MaxPrice     *float64 `json:"max_price"`
	PersonalOnly bool     `gorm:"default:false" json:"personal_only"` // 仅个人闲置

	Enabled         bool       `gorm:"default:true" json:"enabled"`
	IntervalMinutes int        `gorm:"default:60" json:"interval_minutes"`
	NotifyEnabled   bool       `gorm:"default:false" json:"notify_enabled"`
	LastRunAt       *time.Time `json:"last_run_at"`
}

// Due 判断任务在 now 时刻是否到期应执行。
func (t *CrawlTask) Due(now time.Time) bool {
	if !t.Enabled {
		return false
	}
	if t.LastRunAt == nil {
		return true
	}
	interval := time.Duration(t.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	return now.Sub(*t.LastRunAt) >= interval
}

// Item 是入库的闲鱼商品记录，SourceID 唯一索引承担去重。
type Item struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SourceID   string   `gorm:"type:varchar(64);uniqueIndex;not null" json:"source_id"`
	Title      string   `json:"title"`
	Price      *float64 `json:"price"`
	ItemURL    string   `json:"item_url"`
	ImageURL   string   `json:"image_url"`
	SellerID   string   `json:"seller_id"`
	SellerName string   `json:"seller_name"`
	Location   string   `json:"location"`
	WantCount  int      `gorm:"default:0" json:"want_count"`

	TaskID *uint `gorm:"index" json:"task_id"` // 产生该记录的任务，手动搜索为空
}
