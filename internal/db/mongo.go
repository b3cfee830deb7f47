package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB 包装一个客户端及其默认数据库。
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
}

// ConnectMongo 根据连接串创建客户端。驱动在后台建立连接，这里只校验连接串，
// 服务端暂时不可达时不会失败，后续操作会在恢复后自动成功。
func ConnectMongo(ctx context.Context, uri, database string) (*MongoDB, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.New("mongodb uri is empty")
	}
	if strings.TrimSpace(database) == "" {
		database = "portfolio"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	return &MongoDB{client: client, database: client.Database(database)}, nil
}

// Ping 检查服务端当前是否可达。
func (m *MongoDB) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

// Collection 返回默认数据库下的集合。
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Database 返回默认数据库句柄。
func (m *MongoDB) Database() *mongo.Database {
	return m.database
}

// Disconnect 关闭底层连接池。
func (m *MongoDB) Disconnect(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
