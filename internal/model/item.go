package model

import "github.com/shopspring/decimal"

// CrawledItem 是从闲鱼搜索接口解析出的一条商品记录。
//
// ItemID 是闲鱼侧的商品唯一标识，也是全局去重键；解析后 ItemID 为空的
// 原始记录不可入库，会被直接丢弃。
type CrawledItem struct {
	ItemID     string           `json:"item_id"`
	Title      string           `json:"title"`
	Price      *decimal.Decimal `json:"price"` // nil 表示价格缺失或不可解析
	ItemURL    string           `json:"item_url"`
	ImageURL   string           `json:"image_url"`
	SellerID   string           `json:"seller_id"`
	SellerName string           `json:"seller_name"`
	Location   string           `json:"location"`
	WantCount  int              `json:"want_count"`
	Detail     *ItemDetail      `json:"detail,omitempty"`
}

// ItemDetail 是商品详情接口解析出的扩展信息。
type ItemDetail struct {
	ItemID        string           `json:"item_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Price         *decimal.Decimal `json:"price"`
	OriginalPrice *decimal.Decimal `json:"original_price"`
	BrowseCount   int              `json:"browse_count"`
	WantCount     int              `json:"want_count"`
	PublishTime   string           `json:"publish_time"`
	Status        string           `json:"status"`
	Images        []string         `json:"images"`
	SellerID      string           `json:"seller_id"`
	SellerName    string           `json:"seller_name"`
	SellerAvatar  string           `json:"seller_avatar"`
	SellerRegDays int              `json:"seller_reg_days"` // 卖家注册天数
	SellerCredit  string           `json:"seller_credit"`   // 芝麻信用等级名
}

// UserHead 是用户主页头部接口解析出的卖家概览。
type UserHead struct {
	Nick        string `json:"nick"`
	Avatar      string `json:"avatar"`
	Desc        string `json:"desc"`
	FansCount   int    `json:"fans_count"`
	FollowCount int    `json:"follow_count"`
	OnSaleCount int    `json:"on_sale_count"`
	SoldCount   int    `json:"sold_count"`
}

// MyItemSummary 是"我的闲置"页面上一张商品卡片的摘要。
// 与 CrawledItem 不同，它来自 DOM 抽取而非接口拦截，字段更少。
type MyItemSummary struct {
	ItemID    string `json:"item_id"`
	Title     string `json:"title"`
	Price     string `json:"price"` // 页面原始文本，如 "¥1,299.00"
	ImageURL  string `json:"image_url"`
	Status    string `json:"status"`
	ViewCount int    `json:"view_count"`
	WantCount int    `json:"want_count"`
}
