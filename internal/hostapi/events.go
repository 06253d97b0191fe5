package hostapi

import (
	"context"

	"ExtensionHub/pkg/plugin"
)

// PermissionPublish 允许插件向事件总线发布事件。
const PermissionPublish = "events.publish"

// EventOperations 返回事件发布操作，事件来源固定为调用方插件。
func EventOperations(events EventPublisher) []Operation {
	return []Operation{
		{Name: "events.publish", Permission: PermissionPublish, Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			eventType, err := stringArg(args, "type")
			if err != nil {
				return nil, err
			}
			evt := plugin.Event{Type: eventType, Source: caller, Payload: args["payload"]}
			if err := events.Publish(ctx, evt); err != nil {
				return nil, err
			}
			return nil, nil
		}},
	}
}

// Publisher 返回插件使用的 plugin.Publisher，发布同样经过 events.publish 的权限检查。
func (f *Facade) Publisher(caller string) plugin.Publisher {
	return scopedPublisher{facade: f, caller: caller}
}

type scopedPublisher struct {
	facade *Facade
	caller string
}

func (p scopedPublisher) Publish(ctx context.Context, eventType string, payload any) error {
	_, err := p.facade.Call(ctx, p.caller, "events.publish", map[string]any{"type": eventType, "payload": payload})
	return err
}
