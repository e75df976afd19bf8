package crawler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/WastematerialFeng/xianyu-tracker/internal/model"

	"github.com/shopspring/decimal"
)

// 需要拦截的接口响应 URL 特征。
const (
	PatternSearch     = "mtop.idle.web.search"
	PatternItemDetail = "mtop.idle.web.item.detail"
	PatternUserHead   = "mtop.idle.web.user.page.head"
)

// safeGet 沿 path 逐层下钻嵌套 map，任一层缺失或类型不符返回 nil。
func safeGet(data any, path ...string) any {
	cur := data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// strAt 返回路径处的字符串值，缺失返回空串。数字会被格式化。
func strAt(data any, path ...string) string {
	v := safeGet(data, path...)
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// intAt 返回路径处的整数值，页面接口里计数字段既有数字也有字符串形式。
func intAt(data any, path ...string) int {
	v := safeGet(data, path...)
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return 0
}

var priceNoise = regexp.MustCompile(`[¥￥\s,]`)

// NormalizePrice 把页面价格文本归一化为十进制数。
//
// 去掉货币符号、空白与千分位后仍不可解析时返回 nil，表示价格缺失。
func NormalizePrice(raw string) *decimal.Decimal {
	cleaned := priceNoise.ReplaceAllString(raw, "")
	if cleaned == "" {
		return nil
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return nil
	}
	return &d
}

// ItemURL 返回商品详情页地址。
func ItemURL(itemID string) string {
	return fmt.Sprintf("https://www.goofish.com/item?id=%s", itemID)
}

// ParseSearchResults 解析搜索接口响应。
//
// ItemID 为空的记录不可用，直接丢弃；其余字段缺失按零值处理。
func ParseSearchResults(raw []byte) ([]model.CrawledItem, error) {
	root := map[string]any{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	list, ok := safeGet(root, "data", "resultList").([]any)
	if !ok {
		return nil, nil
	}

	items := make([]model.CrawledItem, 0, len(list))
	for _, entry := range list {
		data := safeGet(entry, "data")
		id := strAt(data, "id")
		if id == "" {
			continue
		}
		items = append(items, model.CrawledItem{
			ItemID:     id,
			Title:      strAt(data, "title"),
			Price:      NormalizePrice(strAt(data, "price")),
			ItemURL:    ItemURL(id),
			ImageURL:   strAt(data, "pic"),
			SellerID:   strAt(data, "sellerId"),
			SellerName: strAt(data, "sellerNick"),
			Location:   strAt(data, "area"),
			WantCount:  intAt(data, "wantCnt"),
		})
	}
	return items, nil
}

// ParseItemDetail 解析商品详情接口响应。
func ParseItemDetail(raw []byte) (*model.ItemDetail, error) {
	root := map[string]any{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse detail response: %w", err)
	}

	itemDO := safeGet(root, "data", "itemDO")
	if itemDO == nil {
		return nil, fmt.Errorf("detail response has no itemDO")
	}
	sellerDO := safeGet(root, "data", "sellerDO")

	detail := &model.ItemDetail{
		ItemID:        strAt(itemDO, "id"),
		Title:         strAt(itemDO, "title"),
		Description:   strAt(itemDO, "desc"),
		Price:         NormalizePrice(strAt(itemDO, "price")),
		OriginalPrice: NormalizePrice(strAt(itemDO, "originalPrice")),
		BrowseCount:   intAt(itemDO, "browseCnt"),
		WantCount:     intAt(itemDO, "wantCnt"),
		PublishTime:   strAt(itemDO, "publishTime"),
		Status:        strAt(itemDO, "status"),
		SellerID:      strAt(sellerDO, "sellerId"),
		SellerName:    strAt(sellerDO, "sellerNick"),
		SellerAvatar:  strAt(sellerDO, "avatar"),
		SellerRegDays: intAt(sellerDO, "userRegDay"),
		SellerCredit:  strAt(sellerDO, "zhimaLevelInfo", "levelName"),
	}

	if images, ok := safeGet(itemDO, "imageInfos").([]any); ok {
		for _, img := range images {
			if url := strAt(img, "url"); url != "" {
				detail.Images = append(detail.Images, url)
			}
		}
	}
	return detail, nil
}

// ParseUserHead 解析用户主页头部接口响应。
func ParseUserHead(raw []byte) (*model.UserHead, error) {
	root := map[string]any{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse user head response: %w", err)
	}

	data := safeGet(root, "data")
	if data == nil {
		return nil, fmt.Errorf("user head response has no data")
	}
	return &model.UserHead{
		Nick:        strAt(data, "nickName"),
		Avatar:      strAt(data, "avatar"),
		Desc:        strAt(data, "desc"),
		FansCount:   intAt(data, "fansCount"),
		FollowCount: intAt(data, "followCount"),
		OnSaleCount: intAt(data, "onSaleCount"),
		SoldCount:   intAt(data, "soldCount"),
	}, nil
}
