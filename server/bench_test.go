package server

import (
	"context"
	"testing"

	"ioc-rpc/client"
	"ioc-rpc/config"
)

func setupServerAndClient(b *testing.B, node config.Node) *client.Client {
	svr, _ := startServer(b, nil)
	return dial(b, svr, node)
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b, config.Node{MinPool: 1, MaxPool: 1})

	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(context.Background(), "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用，连接池按需扩容
func BenchmarkParallelCall(b *testing.B) {
	cli := setupServerAndClient(b, config.Node{MinPool: 10, MaxPool: 100})
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(context.Background(), "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: 命中结果缓存
func BenchmarkCachedCall(b *testing.B) {
	cli := setupServerAndClient(b, config.Node{MinPool: 10, MaxPool: 100})
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(context.Background(), "Arith.Add", args, reply, client.WithCacheTime(60)); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
