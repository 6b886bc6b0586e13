// Copyright (c) 2021 Nutanix, Inc.
/*
Package session implements both ends of a stream transfer over a publish/subscribe topic.

A Sender publishes a header frame announcing how many data frames follow, then each data frame, then a
terminator. After every frame it waits until the receiver publishes a clear for it, so at most one frame is
ever in flight:
	sender := session.NewSender(client, "nc_channel_pub", session.WithCodec(codec))
	src, size, err := session.Sized(os.Stdin)
	err = sender.Run(ctx, src, size)

A Receiver writes data frames to its sink in arrival order and clears every frame it consumed. It returns
once the terminator arrived:
	receiver := session.NewReceiver(client, "nc_channel_pub", os.Stdout, session.WithCodec(codec))
	err := receiver.Run(ctx)

Sender and receiver share the topic: each sees its own messages come back and ignores them. Empty payloads
never carry stream data.

Every failure ends the transfer. Errors wrap one of the package sentinels (ErrEmptyInput, ErrIncompleteRead,
ErrRead, ErrUnframeable, ErrFrameTooLarge, ErrPublish, ErrConfirmTimeout, ErrWrite, ErrProtocol, ErrTimeout)
and can be told apart with errors.Is.
*/
package session
