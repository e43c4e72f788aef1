package recordsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/burugo/recordsync/internal/utils"
)

// QueryKind is the read operation a Query Key describes.
type QueryKind string

const (
	KindGetOne  QueryKind = "getOne"
	KindGetList QueryKind = "getList"
	KindGetMany QueryKind = "getMany"
)

// SortOrder is ASC or DESC.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// Default pagination applied to list keys that leave it unset.
const (
	DefaultPage    = 1
	DefaultPerPage = 10
)

// Sort describes the ordering of a list query.
type Sort struct {
	Field string    `json:"field"`
	Order SortOrder `json:"order"`
}

// Pagination describes the page of a list query. Pages start at 1.
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"perPage"`
}

// Offset is the index of the first row of the page.
func (p Pagination) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PerPage
}

// ListParams are the identifying parameters of a get-list query.
type ListParams struct {
	Pagination Pagination             `json:"pagination"`
	Sort       Sort                   `json:"sort"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

func (p ListParams) normalized() ListParams {
	if p.Pagination.Page < 1 {
		p.Pagination.Page = DefaultPage
	}
	if p.Pagination.PerPage < 1 {
		p.Pagination.PerPage = DefaultPerPage
	}
	if p.Sort.Field != "" && p.Sort.Order == "" {
		p.Sort.Order = SortAsc
	}
	if len(p.Filter) > 0 {
		p.Filter = utils.NormalizeValue(p.Filter).(map[string]interface{})
	} else {
		p.Filter = nil
	}
	if len(p.Meta) == 0 {
		p.Meta = nil
	}
	return p
}

// ListResult is one page of a get-list answer.
type ListResult struct {
	Data  []Record
	Total int
}

// QueryKey is the structural identity of a read request. Two keys with the
// same Hash are the same query for caching purposes.
type QueryKey struct {
	Resource string
	Kind     QueryKind
	ID       ID
	IDs      []ID
	List     ListParams
}

// OneKey builds the key of a get-one query.
func OneKey(resource string, id ID) QueryKey {
	return QueryKey{Resource: resource, Kind: KindGetOne, ID: id}
}

// ListKey builds the key of a get-list query, filling in default pagination.
func ListKey(resource string, params ListParams) QueryKey {
	return QueryKey{Resource: resource, Kind: KindGetList, List: params.normalized()}
}

// ManyKey builds the key of a get-many query.
func ManyKey(resource string, ids []ID) QueryKey {
	return QueryKey{Resource: resource, Kind: KindGetMany, IDs: append([]ID(nil), ids...)}
}

func (k QueryKey) validate() error {
	if k.Resource == "" {
		return fmt.Errorf("%w: empty resource", ErrInvalidKey)
	}
	switch k.Kind {
	case KindGetOne:
		if k.ID == "" {
			return fmt.Errorf("%w: getOne on %s without id", ErrInvalidKey, k.Resource)
		}
	case KindGetMany:
		if len(k.IDs) == 0 {
			return fmt.Errorf("%w: getMany on %s without ids", ErrInvalidKey, k.Resource)
		}
	case KindGetList:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
	return nil
}

// Hash returns the cache key string for the query. Filters are compared
// structurally and get-many ids as a set.
// Format: {resource}:{kind}:{id} for get-one, {resource}:{kind}:{sha256} otherwise.
func (k QueryKey) Hash() string {
	switch k.Kind {
	case KindGetOne:
		return fmt.Sprintf("%s:%s:%s", k.Resource, k.Kind, k.ID)
	case KindGetMany:
		payload, _ := json.Marshal(sortedIDs(k.IDs))
		return fmt.Sprintf("%s:%s:%s", k.Resource, k.Kind, hashBytes(payload))
	default:
		payload, err := json.Marshal(k.List.normalized())
		if err != nil {
			// Unmarshalable filters fall back to their printed form.
			payload = []byte(fmt.Sprintf("%#v", k.List))
		}
		return fmt.Sprintf("%s:%s:%s", k.Resource, k.Kind, hashBytes(payload))
	}
}

func (k QueryKey) String() string {
	switch k.Kind {
	case KindGetOne:
		return fmt.Sprintf("%s/%s", k.Resource, k.ID)
	case KindGetMany:
		return fmt.Sprintf("%s%v", k.Resource, k.IDs)
	default:
		return fmt.Sprintf("%s?page=%d&perPage=%d&sort=%s:%s&filter=%v", k.Resource,
			k.List.Pagination.Page, k.List.Pagination.PerPage, k.List.Sort.Field, k.List.Sort.Order, k.List.Filter)
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
