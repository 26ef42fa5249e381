package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mmdatafocus/cellar_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

/* Redis */

// catalog-ish models whose cached lists may go stale from outside this service
func typeHasExpiration(typeName string) bool {
	expirableTypes := map[string]bool{
		"Material":         true,
		"PurchaseLineItem": true,
		"Keg":              true,
	}
	return expirableTypes[typeName]
}

// cache a model list per business, key $Type:List:$businessId
func StoreRedisList[T any](obj any, businessId string) error {
	typeName := GetTypeName[T]()
	key := typeName + ":List:" + businessId

	var duration time.Duration
	if typeHasExpiration(typeName) {
		duration = GetCacheLifespan()
	}
	return config.SetRedisObject(key, &obj, duration)
}

func RetrieveRedisList[T any](businessId string) ([]*T, error) {
	typeName := GetTypeName[T]()
	key := typeName + ":List:" + businessId

	var results []*T
	exists, err := config.GetRedisObject(key, &results)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return results, nil
}

func RemoveRedisList[T any](businessId string) error {
	typeName := GetTypeName[T]()
	return config.RemoveRedisKey(typeName + ":List:" + businessId)
}

func RemoveRedisKeyf(format string, args ...any) error {
	return config.RemoveRedisKey(fmt.Sprintf(format, args...))
}
