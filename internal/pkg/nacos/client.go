// internal/pkg/nacos/client.go
package nacos

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
)

// Client 封装 Nacos 的命名服务和配置中心客户端。
// 注册使用临时节点：心跳断开后实例自动摘除，不需要显式反注册兜底。
type Client struct {
	naming naming_client.INamingClient
	config config_client.IConfigClient

	group string
}

// NewClient 连接 Nacos。addrs 形如 "ip1:port1,ip2:port2"。
func NewClient(addrs, namespaceID, group string) (*Client, error) {
	if group == "" {
		group = "DEFAULT_GROUP"
	}

	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		host, portStr, ok := strings.Cut(strings.TrimSpace(addr), ":")
		if !ok {
			return nil, fmt.Errorf("invalid nacos address %q, want host:port", addr)
		}
		port, err := strconv.ParseUint(portStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid nacos port in %q: %w", addr, err)
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(host, port))
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNamespaceId(namespaceID),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
	)

	param := vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	}

	naming, err := clients.NewNamingClient(param)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos naming client: %w", err)
	}
	config, err := clients.NewConfigClient(param)
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos config client: %w", err)
	}

	return &Client{naming: naming, config: config, group: group}, nil
}

// RegisterInstance 将服务实例注册到 Nacos。
func (c *Client) RegisterInstance(serviceName, ip string, port int) error {
	ok, err := c.naming.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		GroupName:   c.group,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to register %s with nacos: %w", serviceName, err)
	}
	if !ok {
		return fmt.Errorf("nacos rejected registration of %s", serviceName)
	}
	return nil
}

// DeregisterInstance 注销服务实例，优雅关停时调用。
func (c *Client) DeregisterInstance(serviceName, ip string, port int) error {
	_, err := c.naming.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          ip,
		Port:        uint64(port),
		ServiceName: serviceName,
		GroupName:   c.group,
		Ephemeral:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to deregister %s from nacos: %w", serviceName, err)
	}
	return nil
}

// GetConfig 从配置中心拉取一份配置内容（yaml 文本）。
func (c *Client) GetConfig(dataID string) (string, error) {
	content, err := c.config.GetConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  c.group,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch config %q from nacos: %w", dataID, err)
	}
	return content, nil
}

// Close 关闭配置中心客户端；命名客户端的临时节点随心跳停止自动过期。
func (c *Client) Close() {
	if c.config != nil {
		c.config.CloseClient()
	}
}
